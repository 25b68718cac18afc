package attendance

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ScanRequest is an attendee presenting a token captured from the display.
type ScanRequest struct {
	Token string
	// SessionID is the session the attendee believes they are scanning for.
	SessionID  string
	AttendeeID string
}

// Scanner validates presented tokens and records pending attendance.
type Scanner struct {
	env         *env
	sessions    SessionStore
	tokens      *Tokens
	records     RecordStore
	roster      Roster
	maxAttempts int
}

// Scan checks the token and the attendee's membership, in that order, and
// leaves the attendee's record in PENDING_FACE. Scanning again before
// verifying updates the same record.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (rec Record, err error) {
	const op = "scan"

	defer func() {
		s.env.observer.ScanResult(Code(err))
		s.env.audit(ctx, AuditEvent{
			Kind:       AuditScan,
			SessionID:  req.SessionID,
			AttendeeID: req.AttendeeID,
			RecordID:   rec.ID,
			Outcome:    Code(err),
		})
	}()

	value := strings.TrimSpace(req.Token)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if value == "" || req.SessionID == "" || req.AttendeeID == "" {
		return Record{}, invalid(op, "token, session and attendee are required")
	}

	now := s.env.clock.Now()
	tok, err := s.tokens.Lookup(ctx, value)
	if err != nil {
		return Record{}, err
	}
	if tok == nil || !tok.Active {
		return Record{}, fail(op, ErrInvalidToken, nil)
	}
	if !now.Before(tok.ExpiresAt) {
		return Record{}, fail(op, ErrTokenExpired, nil)
	}

	sess, err := s.sessions.GetSession(ctx, tok.SessionID)
	if err != nil {
		return Record{}, internal(op, err)
	}
	if sess == nil {
		return Record{}, fail(op, ErrInvalidToken, nil)
	}
	if !sess.LiveAt(now) {
		return Record{}, fail(op, ErrNotLive, nil)
	}
	if req.SessionID != sess.ID {
		return Record{}, fail(op, ErrMismatch, nil)
	}

	cohort, err := s.roster.CohortOf(ctx, req.AttendeeID)
	if err != nil {
		return Record{}, internal(op, err)
	}
	if cohort == "" || cohort != sess.CohortID {
		return Record{}, fail(op, ErrUnauthorized, nil)
	}

	err = s.env.serial.do(ctx, op, recordKey(sess.ID, req.AttendeeID), func() error {
		existing, err := s.records.FindRecord(ctx, sess.ID, req.AttendeeID)
		if err != nil {
			return internal(op, err)
		}
		if existing == nil {
			rec = Record{ID: uuid.NewString(), SessionID: sess.ID, AttendeeID: req.AttendeeID}
		} else {
			rec = *existing
		}
		if rec.Status == StatusPresent {
			return fail(op, ErrAlreadyPresent, nil)
		}
		if s.maxAttempts > 0 && rec.Status == StatusFaceFailed && rec.FaceAttempts >= s.maxAttempts {
			return fail(op, ErrTooManyAttempts, nil)
		}

		rec.Status = StatusPendingFace
		rec.ScannedToken = tok.Value
		rec.ScannedAt = now
		if err := s.records.SaveRecord(ctx, rec); err != nil {
			return internal(op, err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
