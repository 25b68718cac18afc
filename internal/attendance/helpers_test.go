package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/clock"
	"qrattend/internal/logging"
	"qrattend/internal/roster"
	"qrattend/internal/store/memory"
)

const (
	cohortA   = "cse-a"
	cohortB   = "cse-b"
	presenter = "p1"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// fakeBio scores every comparison with a fixed, adjustable value so tests
// can drive the threshold decision directly.
type fakeBio struct {
	mu        sync.Mutex
	templates map[string][]float32
	score     float64
	extracts  int
}

func (f *fakeBio) StoredTemplate(_ context.Context, id string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.templates[id], nil
}

func (f *fakeBio) Extract(ctx context.Context, image []byte) ([]float32, error) {
	f.mu.Lock()
	f.extracts++
	f.mu.Unlock()
	switch string(image) {
	case "noface":
		return nil, nil
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []float32{1, 0}, nil
}

func (f *fakeBio) Similarity(_, _ []float32) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.score
}

func (f *fakeBio) setScore(s float64) {
	f.mu.Lock()
	f.score = s
	f.mu.Unlock()
}

type fixture struct {
	svc    *attendance.Service
	store  *memory.Store
	audit  *memory.AuditLog
	clock  *clock.Fake
	roster *roster.Memory
	bio    *fakeBio
	locker *attendance.KeyedMutex

	// onAudit, when set, sees every event before it is logged.
	onAudit func(attendance.AuditEvent)
}

// hookedAudit forwards to the fixture's audit log after its hook runs.
type hookedAudit struct{ f *fixture }

func (h hookedAudit) Record(ctx context.Context, ev attendance.AuditEvent) error {
	if h.f.onAudit != nil {
		h.f.onAudit(ev)
	}
	return h.f.audit.Record(ctx, ev)
}

func newFixture(t *testing.T, tweak ...func(*attendance.Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:  memory.New(),
		audit:  memory.NewAuditLog(),
		locker: attendance.NewKeyedMutex(),
		clock:  clock.NewFake(t0),
		roster: roster.NewMemory(
			attendance.Attendee{ID: "s1", Roll: "02", Name: "Asha", CohortID: cohortA},
			attendance.Attendee{ID: "s2", Roll: "01", Name: "Ben", CohortID: cohortA},
			attendance.Attendee{ID: "s3", Roll: "03", Name: "Chen", CohortID: cohortA},
			attendance.Attendee{ID: "s9", Roll: "01", Name: "Dana", CohortID: cohortB},
		),
		bio: &fakeBio{
			templates: map[string][]float32{"s1": {1, 0}, "s2": {1, 0}, "s9": {1, 0}},
			score:     0.9,
		},
	}
	cfg := attendance.Config{
		TokenValidity:    15 * time.Second,
		MatchThreshold:   0.70,
		EmbedTimeout:     50 * time.Millisecond,
		LockTimeout:      time.Second,
		LockRetryBackoff: time.Millisecond,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	f.svc = attendance.New(cfg, attendance.Deps{
		Sessions:   f.store,
		Tokens:     f.store,
		Records:    f.store,
		Roster:     f.roster,
		Biometrics: f.bio,
		Clock:      f.clock,
		Locker:     f.locker,
		Auditor:    hookedAudit{f},
		Logger:     logging.Discard(),
	})
	return f
}

func (f *fixture) start(t *testing.T) (attendance.Session, attendance.Token) {
	t.Helper()
	s, tok, err := f.svc.Lifecycle.Start(context.Background(), attendance.StartRequest{CohortID: cohortA, PresenterID: presenter})
	require.NoError(t, err)
	return s, tok
}

func (f *fixture) scan(tok attendance.Token, attendee string) (attendance.Record, error) {
	return f.svc.Scanner.Scan(context.Background(), attendance.ScanRequest{
		Token: tok.Value, SessionID: tok.SessionID, AttendeeID: attendee,
	})
}

func (f *fixture) verify(rec attendance.Record, image string) (attendance.Verification, error) {
	return f.svc.Verifier.Verify(context.Background(), attendance.VerifyRequest{
		RecordID: rec.ID, AttendeeID: rec.AttendeeID, Image: []byte(image),
	})
}

func (f *fixture) records(t *testing.T, sessionID string) []attendance.Record {
	t.Helper()
	recs, err := f.store.ListRecords(context.Background(), sessionID)
	require.NoError(t, err)
	return recs
}
