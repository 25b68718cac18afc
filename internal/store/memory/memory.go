// Package memory holds in-process implementations of the attendance stores.
// They back development mode and the tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qrattend/internal/attendance"
)

// Store keeps sessions, tokens and records in maps guarded by one mutex, so
// every method is atomic with respect to the others.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]attendance.Session
	tokens   map[string]attendance.Token
	active   map[string]string // session id -> active token value
	records  map[string]attendance.Record
	byPair   map[pair]string // (session, attendee) -> record id
}

type pair struct {
	session  string
	attendee string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]attendance.Session),
		tokens:   make(map[string]attendance.Token),
		active:   make(map[string]string),
		records:  make(map[string]attendance.Record),
		byPair:   make(map[pair]string),
	}
}

// ── Sessions ──

func (s *Store) CreateSession(_ context.Context, sess attendance.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if sess.IsLive {
		for _, other := range s.sessions {
			if other.IsLive && other.CohortID == sess.CohortID && other.PresenterID == sess.PresenterID {
				return fmt.Errorf("live session already exists for cohort %s", sess.CohortID)
			}
		}
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*attendance.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := copySession(sess)
	return &out, nil
}

func (s *Store) FindLiveSession(_ context.Context, cohortID, presenterID string) (*attendance.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.IsLive && sess.CohortID == cohortID && sess.PresenterID == presenterID {
			out := copySession(sess)
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) EndSession(_ context.Context, id string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.IsLive {
		return false, nil
	}
	sess.IsLive = false
	sess.EndedAt = &endedAt
	s.sessions[id] = sess
	return true, nil
}

func (s *Store) ListClosable(_ context.Context, now time.Time) ([]attendance.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []attendance.Session
	for _, sess := range s.sessions {
		if sess.IsLive && sess.ClosesAt != nil && !sess.ClosesAt.After(now) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosesAt.Before(*out[j].ClosesAt) })
	return out, nil
}

// ── Tokens ──

func (s *Store) ReplaceActive(_ context.Context, tok attendance.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Value]; ok {
		return fmt.Errorf("token value collision")
	}
	if prev, ok := s.active[tok.SessionID]; ok {
		t := s.tokens[prev]
		t.Active = false
		s.tokens[prev] = t
	}
	tok.Active = true
	s.tokens[tok.Value] = tok
	s.active[tok.SessionID] = tok.Value
	return nil
}

func (s *Store) ActiveToken(_ context.Context, sessionID string) (*attendance.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.active[sessionID]
	if !ok {
		return nil, nil
	}
	tok := s.tokens[v]
	return &tok, nil
}

func (s *Store) LookupToken(_ context.Context, value string) (*attendance.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[value]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

func (s *Store) DeactivateTokens(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.active[sessionID]; ok {
		t := s.tokens[v]
		t.Active = false
		s.tokens[v] = t
		delete(s.active, sessionID)
	}
	return nil
}

// ActiveCount returns how many tokens of a session are active.
func (s *Store) ActiveCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tokens {
		if t.SessionID == sessionID && t.Active {
			n++
		}
	}
	return n
}

// ── Records ──

func (s *Store) GetRecord(_ context.Context, id string) (*attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	out := copyRecord(rec)
	return &out, nil
}

func (s *Store) FindRecord(_ context.Context, sessionID, attendeeID string) (*attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pair{sessionID, attendeeID}]
	if !ok {
		return nil, nil
	}
	out := copyRecord(s.records[id])
	return &out, nil
}

func (s *Store) SaveRecord(_ context.Context, rec attendance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{rec.SessionID, rec.AttendeeID}
	if id, ok := s.byPair[key]; ok {
		rec.ID = id
	}
	s.records[rec.ID] = copyRecord(rec)
	s.byPair[key] = rec.ID
	return nil
}

func (s *Store) ListRecords(_ context.Context, sessionID string) ([]attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []attendance.Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScannedAt.Before(out[j].ScannedAt) })
	return out, nil
}

func copySession(s attendance.Session) attendance.Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	if s.ClosesAt != nil {
		t := *s.ClosesAt
		s.ClosesAt = &t
	}
	return s
}

func copyRecord(r attendance.Record) attendance.Record {
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		r.VerifiedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	if r.Score != nil {
		f := *r.Score
		r.Score = &f
	}
	return r
}

// AuditLog is an append-only audit sink.
type AuditLog struct {
	mu     sync.Mutex
	events []attendance.AuditEvent
	seen   map[string]bool
}

// NewAuditLog returns an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{seen: make(map[string]bool)}
}

// Record appends ev. Events already seen by id are ignored.
func (a *AuditLog) Record(_ context.Context, ev attendance.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.ID != "" && a.seen[ev.ID] {
		return nil
	}
	a.seen[ev.ID] = true
	a.events = append(a.events, ev)
	return nil
}

// InsertAudit makes the log usable as a relay sink.
func (a *AuditLog) InsertAudit(ctx context.Context, ev attendance.AuditEvent) error {
	return a.Record(ctx, ev)
}

// Events returns a copy of the recorded events.
func (a *AuditLog) Events() []attendance.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]attendance.AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

// Kinds returns the event kinds in order, which keeps test assertions short.
func (a *AuditLog) Kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Kind
	}
	return out
}
