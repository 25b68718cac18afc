package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure so the transport can decide how to
// present it.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindNotFound
	KindNotLive
	KindInvalidToken
	KindTokenExpired
	KindMismatch
	KindUnauthorized
	KindAlreadyPresent
	KindNotPending
	KindTooManyAttempts
	KindNoTemplate
	KindNoFaceDetected
	KindEmbeddingTimeout
)

var kindCodes = map[Kind]string{
	KindInternal:         "internal",
	KindInvalidRequest:   "invalid_request",
	KindNotFound:         "not_found",
	KindNotLive:          "not_live",
	KindInvalidToken:     "invalid_token",
	KindTokenExpired:     "token_expired",
	KindMismatch:         "mismatch",
	KindUnauthorized:     "unauthorized",
	KindAlreadyPresent:   "already_present",
	KindNotPending:       "not_pending",
	KindTooManyAttempts:  "too_many_attempts",
	KindNoTemplate:       "no_template",
	KindNoFaceDetected:   "no_face_detected",
	KindEmbeddingTimeout: "embedding_timeout",
}

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "internal"
}

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool {
	return k == KindEmbeddingTimeout || k == KindInternal
}

// Error is the typed failure returned by every attendance operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can test against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest, Msg: "invalid request"}
	ErrNotFound         = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrNotLive          = &Error{Kind: KindNotLive, Msg: "attendance session is not live"}
	ErrInvalidToken     = &Error{Kind: KindInvalidToken, Msg: "invalid QR token"}
	ErrTokenExpired     = &Error{Kind: KindTokenExpired, Msg: "QR token expired"}
	ErrMismatch         = &Error{Kind: KindMismatch, Msg: "scanned QR does not belong to the selected session"}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized, Msg: "attendee does not belong to this class"}
	ErrAlreadyPresent   = &Error{Kind: KindAlreadyPresent, Msg: "attendance already marked present"}
	ErrNotPending       = &Error{Kind: KindNotPending, Msg: "record is not awaiting face verification; scan again"}
	ErrTooManyAttempts  = &Error{Kind: KindTooManyAttempts, Msg: "face verification attempts exhausted"}
	ErrNoTemplate       = &Error{Kind: KindNoTemplate, Msg: "no registered face template"}
	ErrNoFaceDetected   = &Error{Kind: KindNoFaceDetected, Msg: "no face detected"}
	ErrEmbeddingTimeout = &Error{Kind: KindEmbeddingTimeout, Msg: "face embedding timed out"}
	ErrInternal         = &Error{Kind: KindInternal, Msg: "internal error"}
)

// At binds a sentinel to op for use outside this package.
func (e *Error) At(op string, cause error) *Error {
	return fail(op, e, cause)
}

// fail returns a copy of sentinel bound to op, optionally wrapping cause.
func fail(op string, sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Op: op, Msg: sentinel.Msg, Err: cause}
}

// internal wraps a storage or collaborator failure.
func internal(op string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindInternal, Op: op, Msg: "internal error", Err: err}
}

// invalid reports a malformed request.
func invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err; non-attendance errors are KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Code returns the wire code of err, or "ok" for nil.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
