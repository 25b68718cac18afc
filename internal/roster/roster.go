// Package roster answers cohort-membership questions for the attendance flow.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"qrattend/internal/attendance"
)

// Memory is a roster held in process. It is filled from the dev seed file
// or by tests.
type Memory struct {
	mu        sync.RWMutex
	attendees map[string]attendance.Attendee
}

// NewMemory returns a roster containing the given attendees.
func NewMemory(attendees ...attendance.Attendee) *Memory {
	m := &Memory{attendees: make(map[string]attendance.Attendee)}
	for _, a := range attendees {
		m.attendees[a.ID] = a
	}
	return m
}

// Put adds or replaces an attendee.
func (m *Memory) Put(a attendance.Attendee) {
	m.mu.Lock()
	m.attendees[a.ID] = a
	m.mu.Unlock()
}

func (m *Memory) CohortOf(_ context.Context, attendeeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attendees[attendeeID].CohortID, nil
}

func (m *Memory) Attendee(_ context.Context, attendeeID string) (*attendance.Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attendees[attendeeID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// Postgres reads the attendees table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a roster over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CohortOf(ctx context.Context, attendeeID string) (string, error) {
	a, err := p.Attendee(ctx, attendeeID)
	if err != nil || a == nil {
		return "", err
	}
	return a.CohortID, nil
}

func (p *Postgres) Attendee(ctx context.Context, attendeeID string) (*attendance.Attendee, error) {
	var a attendance.Attendee
	err := p.db.QueryRowContext(ctx,
		`SELECT id, roll, name, cohort_id FROM attendees WHERE id = $1`, attendeeID,
	).Scan(&a.ID, &a.Roll, &a.Name, &a.CohortID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attendee: %w", err)
	}
	return &a, nil
}

// Upsert writes an attendee; used by the seed loader.
func (p *Postgres) Upsert(ctx context.Context, a attendance.Attendee) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendees (id, roll, name, cohort_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET roll = EXCLUDED.roll, name = EXCLUDED.name, cohort_id = EXCLUDED.cohort_id
	`, a.ID, a.Roll, a.Name, a.CohortID)
	return err
}
