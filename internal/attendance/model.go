package attendance

import "time"

// Status is the verification state of an attendance record.
type Status string

const (
	StatusPendingFace Status = "PENDING_FACE"
	StatusPresent     Status = "PRESENT"
	StatusFaceFailed  Status = "FACE_FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusPresent }

// DefaultTokenValidity is used when a session is started without one.
const DefaultTokenValidity = 15 * time.Second

// Session is a live (or ended) attendance-taking window run by one presenter
// for one cohort.
type Session struct {
	ID            string        `json:"id"`
	CohortID      string        `json:"cohort_id"`
	PresenterID   string        `json:"presenter_id"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	ClosesAt      *time.Time    `json:"closes_at,omitempty"`
	IsLive        bool          `json:"is_live"`
	TokenValidity time.Duration `json:"-"`
}

// LiveAt reports whether the session accepts scans at now. A session past its
// class-period end is treated as stopped even before it is closed.
func (s Session) LiveAt(now time.Time) bool {
	if !s.IsLive {
		return false
	}
	return s.ClosesAt == nil || now.Before(*s.ClosesAt)
}

// Token is a rolling capability string displayed to attendees as a QR code.
type Token struct {
	Value     string    `json:"token"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"is_active"`
}

// ValidAt reports whether the token is active and unexpired at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

// Record is the attendance state of one attendee in one session.
type Record struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	AttendeeID   string     `json:"attendee_id"`
	ScannedToken string     `json:"-"`
	Status       Status     `json:"status"`
	ScannedAt    time.Time  `json:"scanned_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Score        *float64   `json:"score,omitempty"`
	FaceAttempts int        `json:"face_attempts"`
}

// Attendee holds the display fields the roster knows about an attendee.
type Attendee struct {
	ID       string
	Roll     string
	Name     string
	CohortID string
}

// Audit event kinds.
const (
	AuditSessionStart = "session.start"
	AuditSessionStop  = "session.stop"
	AuditTokenIssue   = "token.issue"
	AuditScan         = "scan"
	AuditVerify       = "verify"
	AuditFaceEnroll   = "face.enroll"
)

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	AttendeeID string    `json:"attendee_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Score      *float64  `json:"score,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
