package attendance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// StartRequest opens (or reopens) attendance for a cohort.
type StartRequest struct {
	CohortID    string
	PresenterID string
	// TokenValidity overrides the configured default when positive.
	TokenValidity time.Duration
	// ClosesAt is the optional end of the class period.
	ClosesAt *time.Time
}

// Lifecycle owns the live/ended state of sessions and drives token rotation
// from the read path: there is no rotation timer, the presenter display
// polls CurrentToken and gets a fresh token whenever the last one expired.
type Lifecycle struct {
	env             *env
	sessions        SessionStore
	tokens          *Tokens
	defaultValidity time.Duration
	flight          singleflight.Group
}

// Start returns the live session for (cohort, presenter), creating it if
// needed, together with a currently valid token. Repeated starts reuse the
// live session.
func (l *Lifecycle) Start(ctx context.Context, req StartRequest) (Session, Token, error) {
	const op = "start session"

	cohortID := strings.TrimSpace(req.CohortID)
	presenterID := strings.TrimSpace(req.PresenterID)
	if cohortID == "" || presenterID == "" {
		return Session{}, Token{}, invalid(op, "cohort and presenter are required")
	}
	if req.TokenValidity < 0 {
		return Session{}, Token{}, invalid(op, "token validity must not be negative")
	}
	validity := req.TokenValidity
	if validity == 0 {
		validity = l.defaultValidity
	}
	// Stores keep the validity in whole seconds.
	if validity%time.Second != 0 {
		return Session{}, Token{}, invalid(op, "token validity must be a whole number of seconds")
	}
	now := l.env.clock.Now()
	if req.ClosesAt != nil && !req.ClosesAt.After(now) {
		return Session{}, Token{}, invalid(op, "closes_at must be in the future")
	}

	var (
		sess    Session
		tok     Token
		created bool
		issued  bool
	)
	err := l.env.serial.do(ctx, op, startKey(cohortID, presenterID), func() error {
		existing, err := l.sessions.FindLiveSession(ctx, cohortID, presenterID)
		if err != nil {
			return internal(op, err)
		}
		if existing != nil {
			if existing.LiveAt(now) {
				sess = *existing
				tok, err = l.current(ctx, sess)
				return err
			}
			// The previous period ended without anyone stopping it.
			if _, err := l.end(ctx, op, *existing); err != nil {
				return err
			}
		}

		sess = Session{
			ID:            uuid.NewString(),
			CohortID:      cohortID,
			PresenterID:   presenterID,
			CreatedAt:     now,
			ClosesAt:      req.ClosesAt,
			IsLive:        true,
			TokenValidity: validity,
		}
		if err := l.sessions.CreateSession(ctx, sess); err != nil {
			return internal(op, err)
		}
		created = true
		tok, issued, err = l.issueLocked(ctx, sess)
		return err
	})
	if issued {
		l.tokens.auditIssue(ctx, tok)
	}
	if err != nil {
		return Session{}, Token{}, err
	}

	if created {
		l.env.logger.Info("attendance session started", "session_id", sess.ID, "cohort_id", cohortID, "presenter_id", presenterID)
		l.env.audit(ctx, AuditEvent{Kind: AuditSessionStart, SessionID: sess.ID, Outcome: "ok"})
	}
	return sess, tok, nil
}

// Get returns a session owned by presenterID.
func (l *Lifecycle) Get(ctx context.Context, sessionID, presenterID string) (Session, error) {
	s, err := ownedSession(ctx, l.sessions, "get session", sessionID, presenterID)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

// CurrentToken returns the session's valid token, issuing a new one when the
// active token is missing or expired.
func (l *Lifecycle) CurrentToken(ctx context.Context, sessionID, presenterID string) (Token, error) {
	const op = "current token"

	s, err := ownedSession(ctx, l.sessions, op, sessionID, presenterID)
	if err != nil {
		return Token{}, err
	}
	if !s.IsLive {
		return Token{}, fail(op, ErrNotLive, nil)
	}
	if !s.LiveAt(l.env.clock.Now()) {
		if _, err := l.end(ctx, op, *s); err != nil {
			return Token{}, err
		}
		return Token{}, fail(op, ErrNotLive, nil)
	}
	return l.current(ctx, *s)
}

// Stop ends a session. Stopping an ended session succeeds without changes.
func (l *Lifecycle) Stop(ctx context.Context, sessionID, presenterID string) (Session, error) {
	const op = "stop session"

	s, err := ownedSession(ctx, l.sessions, op, sessionID, presenterID)
	if err != nil {
		return Session{}, err
	}
	if !s.IsLive {
		return *s, nil
	}
	return l.end(ctx, op, *s)
}

// Close ends a session on behalf of the class-period collaborator, without
// an ownership check.
func (l *Lifecycle) Close(ctx context.Context, sessionID string) (Session, error) {
	const op = "close session"

	s, err := l.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, internal(op, err)
	}
	if s == nil {
		return Session{}, fail(op, ErrNotFound, nil)
	}
	if !s.IsLive {
		return *s, nil
	}
	return l.end(ctx, op, *s)
}

// CloseDue ends every live session whose class period is over and returns
// how many were closed.
func (l *Lifecycle) CloseDue(ctx context.Context) (int, error) {
	const op = "close due sessions"

	due, err := l.sessions.ListClosable(ctx, l.env.clock.Now())
	if err != nil {
		return 0, internal(op, err)
	}
	closed := 0
	for _, s := range due {
		if _, err := l.end(ctx, op, s); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// current returns the active token if it is still valid, rotating otherwise.
// The first check is a lock-free read; a stale answer costs at most one
// extra rotation.
func (l *Lifecycle) current(ctx context.Context, s Session) (Token, error) {
	tok, err := l.tokens.ActiveToken(ctx, s.ID, l.env.clock.Now())
	if err != nil {
		return Token{}, err
	}
	if tok != nil {
		return *tok, nil
	}

	// Pollers of the same session share one rotation. The shared call must
	// not die with whichever request happened to start it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := l.flight.Do(s.ID, func() (any, error) {
		return l.rotate(shared, s)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// rotate issues a token unless another caller already did so while this one
// waited, and audits a new token after the session lock is released.
func (l *Lifecycle) rotate(ctx context.Context, s Session) (Token, error) {
	tok, issued, err := l.issueLocked(ctx, s)
	if issued {
		l.tokens.auditIssue(ctx, tok)
	}
	return tok, err
}

// issueLocked is the locked part of rotate. issued reports whether a new
// token was written.
func (l *Lifecycle) issueLocked(ctx context.Context, s Session) (tok Token, issued bool, err error) {
	const op = "rotate token"

	err = l.env.serial.do(ctx, op, sessionKey(s.ID), func() error {
		fresh, err := l.sessions.GetSession(ctx, s.ID)
		if err != nil {
			return internal(op, err)
		}
		now := l.env.clock.Now()
		if fresh == nil || !fresh.LiveAt(now) {
			return fail(op, ErrNotLive, nil)
		}
		active, err := l.tokens.ActiveToken(ctx, s.ID, now)
		if err != nil {
			return err
		}
		if active != nil {
			tok = *active
			return nil
		}
		if tok, err = l.tokens.Issue(ctx, *fresh); err != nil {
			return err
		}
		issued = true
		return nil
	})
	return tok, issued, err
}

// end stops s under its session lock and deactivates its tokens.
func (l *Lifecycle) end(ctx context.Context, op string, s Session) (Session, error) {
	var (
		out   Session
		ended bool
	)
	err := l.env.serial.do(ctx, op, sessionKey(s.ID), func() error {
		var err error
		ended, err = l.sessions.EndSession(ctx, s.ID, l.env.clock.Now())
		if err != nil {
			return internal(op, err)
		}
		if ended {
			if err := l.tokens.DeactivateAll(ctx, s.ID); err != nil {
				return err
			}
		}
		fresh, err := l.sessions.GetSession(ctx, s.ID)
		if err != nil {
			return internal(op, err)
		}
		if fresh == nil {
			return fail(op, ErrNotFound, nil)
		}
		out = *fresh
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if ended {
		l.env.logger.Info("attendance session ended", "session_id", s.ID)
		l.env.audit(ctx, AuditEvent{Kind: AuditSessionStop, SessionID: s.ID, Outcome: "ok"})
	}
	return out, nil
}
