package biometric

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TemplateStore keeps one enrolled embedding per attendee.
type TemplateStore interface {
	// Template returns nil when the attendee has not enrolled.
	Template(ctx context.Context, attendeeID string) ([]float32, error)
	PutTemplate(ctx context.Context, attendeeID string, vec []float32, at time.Time) error
}

// MemoryTemplates is an in-process TemplateStore.
type MemoryTemplates struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

// NewMemoryTemplates returns an empty store.
func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{vecs: make(map[string][]float32)}
}

func (m *MemoryTemplates) Template(_ context.Context, attendeeID string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vecs[attendeeID]
	if !ok {
		return nil, nil
	}
	return append([]float32(nil), v...), nil
}

func (m *MemoryTemplates) PutTemplate(_ context.Context, attendeeID string, vec []float32, _ time.Time) error {
	m.mu.Lock()
	m.vecs[attendeeID] = append([]float32(nil), vec...)
	m.mu.Unlock()
	return nil
}

// PostgresTemplates stores embeddings as JSONB in face_templates.
type PostgresTemplates struct {
	db *sql.DB
}

// NewPostgresTemplates creates a store over db.
func NewPostgresTemplates(db *sql.DB) *PostgresTemplates {
	return &PostgresTemplates{db: db}
}

func (p *PostgresTemplates) Template(ctx context.Context, attendeeID string) ([]float32, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT embedding FROM face_templates WHERE attendee_id = $1`, attendeeID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return vec, nil
}

func (p *PostgresTemplates) PutTemplate(ctx context.Context, attendeeID string, vec []float32, at time.Time) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO face_templates (attendee_id, embedding, enrolled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (attendee_id) DO UPDATE SET embedding = EXCLUDED.embedding, enrolled_at = EXCLUDED.enrolled_at
	`, attendeeID, raw, at)
	if err != nil {
		return fmt.Errorf("store template: %w", err)
	}
	return nil
}
