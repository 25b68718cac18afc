package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists sessions, tokens, records and audit events in Postgres.
// The at-most-one-active-token, one-live-session and one-record-per-pair
// invariants are also enforced by indexes in the schema.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, cohort_id, presenter_id, created_at, ended_at, closes_at, is_live, token_validity_seconds`

func scanSession(row rowScanner) (*Session, error) {
	var (
		s        Session
		ended    sql.NullTime
		closes   sql.NullTime
		validity int64
	)
	if err := row.Scan(&s.ID, &s.CohortID, &s.PresenterID, &s.CreatedAt, &ended, &closes, &s.IsLive, &validity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.EndedAt = timePtr(ended)
	s.ClosesAt = timePtr(closes)
	s.TokenValidity = time.Duration(validity) * time.Second
	return &s, nil
}

// CreateSession inserts a new session.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, cohort_id, presenter_id, created_at, ended_at, closes_at, is_live, token_validity_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.CohortID, s.PresenterID, s.CreatedAt, s.EndedAt, s.ClosesAt, s.IsLive, validitySeconds(s.TokenValidity))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// FindLiveSession returns the live session of a (cohort, presenter) pair.
func (r *Repository) FindLiveSession(ctx context.Context, cohortID, presenterID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE cohort_id = $1 AND presenter_id = $2 AND is_live
		ORDER BY created_at DESC
		LIMIT 1
	`, cohortID, presenterID)
	return scanSession(row)
}

// EndSession flips a live session to ended.
func (r *Repository) EndSession(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET is_live = FALSE, ended_at = $2
		WHERE id = $1 AND is_live
	`, id, endedAt)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListClosable returns live sessions whose class period is over.
func (r *Repository) ListClosable(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE is_live AND closes_at IS NOT NULL AND closes_at <= $1
		ORDER BY closes_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// ReplaceActive retires the session's active token and inserts tok in one
// transaction.
func (r *Repository) ReplaceActive(ctx context.Context, tok Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE rolling_tokens SET is_active = FALSE
		WHERE session_id = $1 AND is_active
	`, tok.SessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("deactivate tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rolling_tokens (token, session_id, issued_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
	`, tok.Value, tok.SessionID, tok.IssuedAt, tok.ExpiresAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token: %w", err)
	}
	return nil
}

const tokenColumns = `token, session_id, issued_at, expires_at, is_active`

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	if err := row.Scan(&t.Value, &t.SessionID, &t.IssuedAt, &t.ExpiresAt, &t.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}

// ActiveToken returns the active token of a session, expired or not.
func (r *Repository) ActiveToken(ctx context.Context, sessionID string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM rolling_tokens WHERE session_id = $1 AND is_active`, sessionID)
	return scanToken(row)
}

// LookupToken returns a token by value.
func (r *Repository) LookupToken(ctx context.Context, value string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM rolling_tokens WHERE token = $1`, value)
	return scanToken(row)
}

// DeactivateTokens retires every active token of a session.
func (r *Repository) DeactivateTokens(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rolling_tokens SET is_active = FALSE WHERE session_id = $1 AND is_active`, sessionID)
	return err
}

const recordColumns = `id, session_id, attendee_id, scanned_token, status, scanned_at, verified_at, resolved_at, score, face_attempts`

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		token    sql.NullString
		status   string
		verified sql.NullTime
		resolved sql.NullTime
		score    sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.AttendeeID, &token, &status, &rec.ScannedAt, &verified, &resolved, &score, &rec.FaceAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.ScannedToken = token.String
	rec.Status = Status(status)
	rec.ScannedAt = rec.ScannedAt.UTC()
	rec.VerifiedAt = timePtr(verified)
	rec.ResolvedAt = timePtr(resolved)
	if score.Valid {
		s := score.Float64
		rec.Score = &s
	}
	return &rec, nil
}

// GetRecord returns a record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	return scanRecord(row)
}

// FindRecord returns the record of an attendee in a session.
func (r *Repository) FindRecord(ctx context.Context, sessionID, attendeeID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND attendee_id = $2
	`, sessionID, attendeeID)
	return scanRecord(row)
}

// SaveRecord upserts on (session_id, attendee_id); the id of an existing row
// is kept.
func (r *Repository) SaveRecord(ctx context.Context, rec Record) error {
	var token any
	if rec.ScannedToken != "" {
		token = rec.ScannedToken
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, attendee_id, scanned_token, status, scanned_at, verified_at, resolved_at, score, face_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, attendee_id) DO UPDATE SET
			scanned_token = EXCLUDED.scanned_token,
			status        = EXCLUDED.status,
			scanned_at    = EXCLUDED.scanned_at,
			verified_at   = EXCLUDED.verified_at,
			resolved_at   = EXCLUDED.resolved_at,
			score         = EXCLUDED.score,
			face_attempts = EXCLUDED.face_attempts
	`, rec.ID, rec.SessionID, rec.AttendeeID, token, string(rec.Status), rec.ScannedAt, rec.VerifiedAt, rec.ResolvedAt, rec.Score, rec.FaceAttempts)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// ListRecords returns all records of a session.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1
		ORDER BY scanned_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// InsertAudit appends an audit event. Replays of the same event id are
// ignored.
func (r *Repository) InsertAudit(ctx context.Context, ev AuditEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit (id, kind, session_id, attendee_id, record_id, outcome, score, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Kind, ev.SessionID, ev.AttendeeID, ev.RecordID, ev.Outcome, ev.Score, ev.OccurredAt)
	return err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func validitySeconds(d time.Duration) int64 {
	if d <= 0 {
		d = DefaultTokenValidity
	}
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
