package attendance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a serialization point could not be
// entered before the lock timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker provides mutual exclusion keyed by string. Acquire blocks until the
// key is free or ctx is done; the returned func releases the key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func sessionKey(sessionID string) string { return "session:" + sessionID }

func startKey(cohortID, presenterID string) string {
	return "start:" + cohortID + ":" + presenterID
}

func recordKey(sessionID, attendeeID string) string {
	return "record:" + sessionID + ":" + attendeeID
}

// KeyedMutex is an in-process Locker. Each key owns a one-slot semaphore so
// waiters can give up when their context ends.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.drop(key, s)
		})
	}, nil
}

func (m *KeyedMutex) drop(key string, s *slot) {
	m.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}

// serializer runs critical sections under a Locker with a bounded wait.
// A timed-out acquisition is retried once after backoff.
type serializer struct {
	locker  Locker
	timeout time.Duration
	backoff time.Duration
}

func (s serializer) do(ctx context.Context, op, key string, fn func() error) error {
	release, err := s.acquire(ctx, key)
	if errors.Is(err, ErrLockTimeout) {
		t := time.NewTimer(s.backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return internal(op, ctx.Err())
		}
		release, err = s.acquire(ctx, key)
	}
	if err != nil {
		return internal(op, err)
	}
	defer release()
	return fn()
}

func (s serializer) acquire(ctx context.Context, key string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	release, err := s.locker.Acquire(lctx, key)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return release, nil
}
