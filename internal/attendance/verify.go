package attendance

import (
	"context"
	"errors"
	"strings"
	"time"
)

// VerifyRequest carries a freshly captured face image for a pending record.
type VerifyRequest struct {
	RecordID   string
	AttendeeID string
	Image      []byte
}

// Verification is the outcome of a face check.
type Verification struct {
	Record    Record  `json:"record"`
	Threshold float64 `json:"threshold"`
	Matched   bool    `json:"matched"`
}

// Verifier resolves pending records by comparing a live face embedding with
// the attendee's enrolled template.
type Verifier struct {
	env          *env
	sessions     SessionStore
	records      RecordStore
	bio          Biometrics
	threshold    float64
	embedTimeout time.Duration
}

// Verify scores the image against the stored template. A score at or above
// the threshold makes the record PRESENT; below it the record becomes
// FACE_FAILED and the attendee has to scan again to retry. Verifying a
// PRESENT record returns the stored result unchanged.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (res Verification, err error) {
	const op = "verify"

	// Set once the record is loaded so failures are audited against it too.
	var sessionID string
	defer func() {
		v.env.observer.VerifyResult(Code(err))
		ev := AuditEvent{
			Kind:       AuditVerify,
			SessionID:  sessionID,
			AttendeeID: req.AttendeeID,
			RecordID:   req.RecordID,
			Outcome:    Code(err),
			Score:      res.Record.Score,
		}
		v.env.audit(ctx, ev)
	}()

	req.RecordID = strings.TrimSpace(req.RecordID)
	if req.RecordID == "" || req.AttendeeID == "" {
		return Verification{}, invalid(op, "record and attendee are required")
	}
	if len(req.Image) == 0 {
		return Verification{}, invalid(op, "image is required")
	}

	rec, err := v.records.GetRecord(ctx, req.RecordID)
	if err != nil {
		return Verification{}, internal(op, err)
	}
	if rec == nil || rec.AttendeeID != req.AttendeeID {
		return Verification{}, fail(op, ErrNotFound, nil)
	}
	sessionID = rec.SessionID
	if done, err := v.settled(op, *rec); done || err != nil {
		return v.result(*rec), err
	}

	sess, err := v.sessions.GetSession(ctx, rec.SessionID)
	if err != nil {
		return Verification{}, internal(op, err)
	}
	if sess == nil || !sess.LiveAt(v.env.clock.Now()) {
		return Verification{}, fail(op, ErrNotLive, nil)
	}

	stored, err := v.bio.StoredTemplate(ctx, req.AttendeeID)
	if err != nil {
		return Verification{}, internal(op, err)
	}
	if len(stored) == 0 {
		return Verification{}, fail(op, ErrNoTemplate, nil)
	}

	live, err := v.extract(ctx, op, req.Image)
	if err != nil {
		return Verification{}, err
	}
	score := v.bio.Similarity(live, stored)

	// A caller that went away before the write leaves the record as it was.
	if err := ctx.Err(); err != nil {
		return Verification{}, internal(op, err)
	}

	var out Record
	err = v.env.serial.do(ctx, op, recordKey(rec.SessionID, rec.AttendeeID), func() error {
		cur, err := v.records.GetRecord(ctx, rec.ID)
		if err != nil {
			return internal(op, err)
		}
		if cur == nil {
			return fail(op, ErrNotFound, nil)
		}
		out = *cur
		if done, err := v.settled(op, *cur); done || err != nil {
			return err
		}

		now := v.env.clock.Now()
		out.VerifiedAt = &now
		out.Score = &score
		out.FaceAttempts++
		if score >= v.threshold {
			out.Status = StatusPresent
			out.ResolvedAt = &now
		} else {
			out.Status = StatusFaceFailed
		}
		if err := v.records.SaveRecord(ctx, out); err != nil {
			return internal(op, err)
		}
		return nil
	})
	if err != nil {
		return Verification{}, err
	}

	v.env.logger.Info("face verification resolved",
		"record_id", out.ID, "session_id", out.SessionID, "status", out.Status, "score", score)
	return v.result(out), nil
}

// settled reports whether rec needs no verification: PRESENT is a no-op,
// FACE_FAILED needs a new scan first.
func (v *Verifier) settled(op string, rec Record) (bool, error) {
	switch rec.Status {
	case StatusPresent:
		return true, nil
	case StatusFaceFailed:
		return true, fail(op, ErrNotPending, nil)
	}
	return false, nil
}

func (v *Verifier) extract(ctx context.Context, op string, image []byte) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, v.embedTimeout)
	defer cancel()

	start := time.Now()
	vec, err := v.bio.Extract(ectx, image)
	v.env.observer.EmbedDuration(time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			return nil, internal(op, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ectx.Err(), context.DeadlineExceeded) {
			return nil, fail(op, ErrEmbeddingTimeout, err)
		}
		return nil, internal(op, err)
	}
	if len(vec) == 0 {
		return nil, fail(op, ErrNoFaceDetected, nil)
	}
	return vec, nil
}

func (v *Verifier) result(rec Record) Verification {
	return Verification{Record: rec, Threshold: v.threshold, Matched: rec.Status == StatusPresent}
}
