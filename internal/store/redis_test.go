package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/store"
	"qrattend/internal/testhelpers"
)

func TestRedisLocker(t *testing.T) {
	client := testhelpers.RedisClient(t)
	ctx := context.Background()

	tryAcquire := func(l *store.RedisLocker, key string, wait time.Duration) (func(), error) {
		actx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		return l.Acquire(actx, key)
	}

	t.Run("held key times out", func(t *testing.T) {
		l := store.NewRedisLocker(client, 5*time.Second)
		release, err := l.Acquire(ctx, "held")
		require.NoError(t, err)

		_, err = tryAcquire(l, "held", 100*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		again, err := tryAcquire(l, "held", time.Second)
		require.NoError(t, err)
		again()
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := store.NewRedisLocker(client, 5*time.Second)
		a, err := l.Acquire(ctx, "a")
		require.NoError(t, err)
		defer a()

		b, err := tryAcquire(l, "b", 100*time.Millisecond)
		require.NoError(t, err)
		b()
	})

	t.Run("mutual exclusion across lockers", func(t *testing.T) {
		// Two lockers stand in for two API replicas sharing one Redis.
		lockers := []*store.RedisLocker{
			store.NewRedisLocker(client, 5*time.Second),
			store.NewRedisLocker(client, 5*time.Second),
		}

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
			total   int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(l *store.RedisLocker) {
				defer wg.Done()
				release, err := tryAcquire(l, "shared", 10*time.Second)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				total++
				mu.Unlock()
				release()
			}(lockers[i%len(lockers)])
		}
		wg.Wait()

		assert.Equal(t, 1, maxSeen)
		assert.Equal(t, workers, total)
	})

	t.Run("expired holder cannot release new owner", func(t *testing.T) {
		short := store.NewRedisLocker(client, 100*time.Millisecond)
		stale, err := short.Acquire(ctx, "ttl")
		require.NoError(t, err)

		time.Sleep(250 * time.Millisecond)

		l := store.NewRedisLocker(client, 5*time.Second)
		owner, err := tryAcquire(l, "ttl", time.Second)
		require.NoError(t, err)
		defer owner()

		stale()
		_, err = tryAcquire(l, "ttl", 100*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
