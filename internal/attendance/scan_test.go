package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

// ── Scan validation ──

func TestScanCreatesPendingRecord(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	rec, err := f.scan(tok, "s1")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPendingFace, rec.Status)
	assert.Equal(t, s.ID, rec.SessionID)
	assert.Equal(t, tok.Value, rec.ScannedToken)
	assert.Equal(t, t0, rec.ScannedAt)
	assert.Nil(t, rec.Score)
	assert.Len(t, f.records(t, s.ID), 1)
}

func TestScanUnknownToken(t *testing.T) {
	f := newFixture(t)
	s, _ := f.start(t)

	_, err := f.scan(attendance.Token{Value: "forged", SessionID: s.ID}, "s1")
	assert.ErrorIs(t, err, attendance.ErrInvalidToken)
}

func TestScanSupersededTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	s, old := f.start(t)
	f.clock.Advance(20 * time.Second)
	_, err := f.svc.Lifecycle.CurrentToken(context.Background(), s.ID, presenter)
	require.NoError(t, err)

	_, err = f.scan(old, "s1")
	assert.ErrorIs(t, err, attendance.ErrInvalidToken)
}

func TestScanAfterStopIsRejected(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)
	_, err := f.svc.Lifecycle.Stop(context.Background(), s.ID, presenter)
	require.NoError(t, err)

	// Stopping deactivates the token, so the token check fires first.
	_, err = f.scan(tok, "s1")
	assert.ErrorIs(t, err, attendance.ErrInvalidToken)
	assert.Empty(t, f.records(t, s.ID))
}

func TestScanPastClassPeriodIsNotLive(t *testing.T) {
	f := newFixture(t)
	closes := t0.Add(10 * time.Second)
	s, tok, err := f.svc.Lifecycle.Start(context.Background(), attendance.StartRequest{
		CohortID: cohortA, PresenterID: presenter, ClosesAt: &closes,
	})
	require.NoError(t, err)

	f.clock.Set(closes)
	_, err = f.scan(tok, "s1")
	assert.ErrorIs(t, err, attendance.ErrNotLive)
	assert.Empty(t, f.records(t, s.ID))
}

func TestScanSessionMismatch(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)

	_, err := f.svc.Scanner.Scan(context.Background(), attendance.ScanRequest{
		Token: tok.Value, SessionID: "another-session", AttendeeID: "s1",
	})
	assert.ErrorIs(t, err, attendance.ErrMismatch)
}

func TestScanUnknownAttendeeIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)
	_, err := f.scan(tok, "stranger")
	assert.ErrorIs(t, err, attendance.ErrUnauthorized)
}

func TestScanRequiresFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Scanner.Scan(context.Background(), attendance.ScanRequest{Token: "x", AttendeeID: "s1"})
	assert.ErrorIs(t, err, attendance.ErrInvalidRequest)
}

func TestScanValidationOrder(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)
	f.clock.Advance(time.Minute)

	// Expired token, wrong session and wrong cohort all at once: expiry wins.
	_, err := f.svc.Scanner.Scan(context.Background(), attendance.ScanRequest{
		Token: tok.Value, SessionID: "other", AttendeeID: "s9",
	})
	assert.ErrorIs(t, err, attendance.ErrTokenExpired)
}

func TestScanMismatchBeforeCohort(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)

	_, err := f.svc.Scanner.Scan(context.Background(), attendance.ScanRequest{
		Token: tok.Value, SessionID: "other", AttendeeID: "s9",
	})
	assert.ErrorIs(t, err, attendance.ErrMismatch)
}

func TestScanAuditsEveryOutcome(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)
	_, _ = f.scan(tok, "s1")
	_, _ = f.scan(tok, "stranger")

	var outcomes []string
	for _, ev := range f.audit.Events() {
		if ev.Kind == attendance.AuditScan {
			outcomes = append(outcomes, ev.Outcome)
		}
	}
	assert.Equal(t, []string{"ok", "unauthorized"}, outcomes)
}

// ── Scenarios ──

func TestScenarioA_RotationAfterValidity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.start(t)

	t1, err := f.svc.Lifecycle.CurrentToken(ctx, s.ID, presenter)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Second), t1.ExpiresAt)

	f.clock.Set(t0.Add(20 * time.Second))
	t2, err := f.svc.Lifecycle.CurrentToken(ctx, s.ID, presenter)
	require.NoError(t, err)
	assert.NotEqual(t, t1.Value, t2.Value)

	stale, err := f.store.LookupToken(ctx, t1.Value)
	require.NoError(t, err)
	assert.False(t, stale.Active)
}

func TestScenarioB_DoubleScanUpdatesSameRecord(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	first, err := f.scan(tok, "s1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)
	second, err := f.scan(tok, "s1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, attendance.StatusPendingFace, second.Status)
	assert.Equal(t, t0.Add(2*time.Second), second.ScannedAt)
	assert.Len(t, f.records(t, s.ID), 1)
}

func TestScenarioC_FailThenRescanThenPass(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	rec, err := f.scan(tok, "s1")
	require.NoError(t, err)

	f.bio.setScore(0.55)
	res, err := f.verify(rec, "face")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, attendance.StatusFaceFailed, res.Record.Status)
	require.NotNil(t, res.Record.Score)
	assert.InDelta(t, 0.55, *res.Record.Score, 1e-9)
	assert.Nil(t, res.Record.ResolvedAt)

	rec, err = f.scan(tok, "s1")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPendingFace, rec.Status)

	f.bio.setScore(0.81)
	res, err = f.verify(rec, "face")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	assert.InDelta(t, 0.81, *res.Record.Score, 1e-9)
	assert.NotNil(t, res.Record.ResolvedAt)
	assert.Equal(t, 2, res.Record.FaceAttempts)
	assert.Len(t, f.records(t, s.ID), 1)
}

func TestScenarioD_OtherCohortIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	_, err := f.scan(tok, "s9")
	assert.ErrorIs(t, err, attendance.ErrUnauthorized)
	assert.Empty(t, f.records(t, s.ID))
}

func TestScenarioE_ExpiredTokenChangesNothing(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	f.clock.Set(tok.ExpiresAt)
	_, err := f.scan(tok, "s1")
	assert.ErrorIs(t, err, attendance.ErrTokenExpired)
	assert.Empty(t, f.records(t, s.ID))

	// An existing pending record is not touched either.
	f.clock.Set(t0)
	rec, err := f.scan(tok, "s2")
	require.NoError(t, err)
	f.clock.Set(tok.ExpiresAt.Add(time.Second))
	_, err = f.scan(tok, "s2")
	assert.ErrorIs(t, err, attendance.ErrTokenExpired)

	got, err := f.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, got.ScannedAt)
}

// ── Terminal states and retries ──

func TestScanAfterPresentIsAlreadyPresent(t *testing.T) {
	f := newFixture(t)
	_, tok := f.start(t)
	rec, err := f.scan(tok, "s1")
	require.NoError(t, err)
	_, err = f.verify(rec, "face")
	require.NoError(t, err)

	_, err = f.scan(tok, "s1")
	assert.ErrorIs(t, err, attendance.ErrAlreadyPresent)

	got, err := f.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, got.Status)
}

func TestMaxFaceAttempts(t *testing.T) {
	f := newFixture(t, func(c *attendance.Config) { c.MaxFaceAttempts = 2 })
	_, tok := f.start(t)
	f.bio.setScore(0.1)

	for i := 0; i < 2; i++ {
		rec, err := f.scan(tok, "s1")
		require.NoError(t, err)
		res, err := f.verify(rec, "face")
		require.NoError(t, err)
		assert.Equal(t, attendance.StatusFaceFailed, res.Record.Status)
	}

	_, err := f.scan(tok, "s1")
	assert.ErrorIs(t, err, attendance.ErrTooManyAttempts)
}

func TestConcurrentDoubleTapCreatesOneRecord(t *testing.T) {
	f := newFixture(t)
	s, tok := f.start(t)

	const taps = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < taps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.scan(tok, "s1")
			assert.NoError(t, err)
			mu.Lock()
			ids[rec.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Len(t, f.records(t, s.ID), 1)
}
