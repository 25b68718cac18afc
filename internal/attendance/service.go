package attendance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/clock"
)

// Config tunes the attendance services.
type Config struct {
	// TokenValidity is the default rolling-token lifetime for new sessions.
	TokenValidity time.Duration
	// MatchThreshold is the minimum similarity for PRESENT. It is used as
	// given, zero included; callers wanting the reference cut-off pass
	// DefaultThreshold.
	MatchThreshold float64
	// EmbedTimeout bounds a single embedding extraction.
	EmbedTimeout time.Duration
	// LockTimeout bounds waiting on a serialization point.
	LockTimeout      time.Duration
	LockRetryBackoff time.Duration
	// MaxFaceAttempts caps failed verifications per record; 0 means no cap.
	MaxFaceAttempts int
}

// DefaultThreshold is the reference cosine-similarity cut-off.
const DefaultThreshold = 0.70

// Deps are the collaborators of the attendance services. Locker, Clock,
// Auditor, Observer and Logger are optional.
type Deps struct {
	Sessions   SessionStore
	Tokens     TokenStore
	Records    RecordStore
	Roster     Roster
	Biometrics Biometrics
	Locker     Locker
	Clock      clock.Clock
	Auditor    Auditor
	Observer   Observer
	Logger     *slog.Logger
}

// Service bundles the components that implement the attendance flow.
type Service struct {
	Tokens    *Tokens
	Lifecycle *Lifecycle
	Scanner   *Scanner
	Verifier  *Verifier
	Reporter  *Reporter
}

// env carries what every component shares.
type env struct {
	clock    clock.Clock
	serial   serializer
	auditor  Auditor
	observer Observer
	logger   *slog.Logger
}

// New wires the attendance components.
func New(cfg Config, d Deps) *Service {
	if cfg.TokenValidity <= 0 {
		cfg.TokenValidity = DefaultTokenValidity
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.LockRetryBackoff <= 0 {
		cfg.LockRetryBackoff = 100 * time.Millisecond
	}
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Auditor == nil {
		d.Auditor = nopAuditor{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	e := &env{
		clock:    d.Clock,
		serial:   serializer{locker: d.Locker, timeout: cfg.LockTimeout, backoff: cfg.LockRetryBackoff},
		auditor:  d.Auditor,
		observer: d.Observer,
		logger:   d.Logger,
	}
	tokens := &Tokens{env: e, store: d.Tokens}
	lifecycle := &Lifecycle{env: e, sessions: d.Sessions, tokens: tokens, defaultValidity: cfg.TokenValidity}
	return &Service{
		Tokens:    tokens,
		Lifecycle: lifecycle,
		Scanner: &Scanner{
			env:         e,
			sessions:    d.Sessions,
			tokens:      tokens,
			records:     d.Records,
			roster:      d.Roster,
			maxAttempts: cfg.MaxFaceAttempts,
		},
		Verifier: &Verifier{
			env:          e,
			sessions:     d.Sessions,
			records:      d.Records,
			bio:          d.Biometrics,
			threshold:    cfg.MatchThreshold,
			embedTimeout: cfg.EmbedTimeout,
		},
		Reporter: &Reporter{sessions: d.Sessions, records: d.Records, roster: d.Roster},
	}
}

// audit hands ev to the auditor. The write outlives a cancelled request and
// its failure is only logged.
func (e *env) audit(ctx context.Context, ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.clock.Now()
	}
	if err := e.auditor.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("audit event dropped", "kind", ev.Kind, "session_id", ev.SessionID, "err", err)
	}
}

// ownedSession loads a session the presenter owns. Unknown sessions and
// sessions of other presenters are both NotFound.
func ownedSession(ctx context.Context, store SessionStore, op, sessionID, presenterID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, invalid(op, "session id is required")
	}
	s, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, internal(op, err)
	}
	if s == nil || s.PresenterID != presenterID {
		return nil, fail(op, ErrNotFound, nil)
	}
	return s, nil
}
