package attendance

import (
	"context"
	"time"
)

// Store lookups return (nil, nil) when the row does not exist; errors are
// reserved for storage failures.

// SessionStore persists attendance sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindLiveSession(ctx context.Context, cohortID, presenterID string) (*Session, error)
	// EndSession marks a live session ended. It reports false when the
	// session was already ended.
	EndSession(ctx context.Context, id string, endedAt time.Time) (bool, error)
	// ListClosable returns live sessions whose ClosesAt is at or before now.
	ListClosable(ctx context.Context, now time.Time) ([]Session, error)
}

// TokenStore persists rolling tokens.
type TokenStore interface {
	// ReplaceActive deactivates every active token of tok.SessionID and
	// inserts tok as the only active one, atomically.
	ReplaceActive(ctx context.Context, tok Token) error
	// ActiveToken returns the session's active token regardless of expiry.
	ActiveToken(ctx context.Context, sessionID string) (*Token, error)
	LookupToken(ctx context.Context, value string) (*Token, error)
	DeactivateTokens(ctx context.Context, sessionID string) error
}

// RecordStore persists attendance records.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
	FindRecord(ctx context.Context, sessionID, attendeeID string) (*Record, error)
	// SaveRecord inserts rec or overwrites the record with the same
	// (session, attendee) pair as a single atomic write.
	SaveRecord(ctx context.Context, rec Record) error
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
}

// Roster is the cohort-membership collaborator.
type Roster interface {
	// CohortOf returns the attendee's cohort, or "" when unknown.
	CohortOf(ctx context.Context, attendeeID string) (string, error)
	// Attendee returns display fields, or nil when unknown.
	Attendee(ctx context.Context, attendeeID string) (*Attendee, error)
}

// Biometrics is the face-matching collaborator.
type Biometrics interface {
	// StoredTemplate returns the enrolled vector, or nil when not enrolled.
	StoredTemplate(ctx context.Context, attendeeID string) ([]float32, error)
	// Extract returns the embedding of the face in image, or nil when no
	// face was found.
	Extract(ctx context.Context, image []byte) ([]float32, error)
	Similarity(a, b []float32) float64
}

// Auditor receives audit events. Implementations must not block for long;
// failures are logged, never surfaced to the caller.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// Observer receives operational measurements.
type Observer interface {
	TokenIssued()
	ScanResult(code string)
	VerifyResult(code string)
	EmbedDuration(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TokenIssued()                {}
func (nopObserver) ScanResult(string)           {}
func (nopObserver) VerifyResult(string)         {}
func (nopObserver) EmbedDuration(time.Duration) {}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) error { return nil }
