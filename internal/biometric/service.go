package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/attendance"
	"qrattend/internal/clock"
	"qrattend/internal/faceclient"
)

// Extractor produces face embeddings from raw images. faceclient.Client
// satisfies it.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*faceclient.EmbedResult, error)
}

// LazyExtractor builds the real extractor on first use and shares it across
// requests. A failed build is reported to every caller.
type LazyExtractor struct {
	build func() (Extractor, error)
	once  sync.Once
	ext   Extractor
	err   error
}

// NewLazyExtractor wraps build.
func NewLazyExtractor(build func() (Extractor, error)) *LazyExtractor {
	return &LazyExtractor{build: build}
}

func (l *LazyExtractor) Extract(ctx context.Context, image []byte) (*faceclient.EmbedResult, error) {
	l.once.Do(func() {
		l.ext, l.err = l.build()
	})
	if l.err != nil {
		return nil, fmt.Errorf("init face extractor: %w", l.err)
	}
	return l.ext.Extract(ctx, image)
}

// Service implements attendance.Biometrics and face enrollment.
type Service struct {
	templates    TemplateStore
	extractor    Extractor
	embedTimeout time.Duration
	clock        clock.Clock
	auditor      attendance.Auditor
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the enrollment timestamp source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithAuditor records enrollments in the audit trail.
func WithAuditor(a attendance.Auditor) Option { return func(s *Service) { s.auditor = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithEmbedTimeout bounds extraction during enrollment.
func WithEmbedTimeout(d time.Duration) Option { return func(s *Service) { s.embedTimeout = d } }

// NewService wires templates and an extractor.
func NewService(templates TemplateStore, extractor Extractor, opts ...Option) *Service {
	s := &Service{
		templates:    templates,
		extractor:    extractor,
		embedTimeout: 10 * time.Second,
		clock:        clock.Real(),
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) StoredTemplate(ctx context.Context, attendeeID string) ([]float32, error) {
	return s.templates.Template(ctx, attendeeID)
}

// Extract returns nil, nil when the image contains no face.
func (s *Service) Extract(ctx context.Context, image []byte) ([]float32, error) {
	res, err := s.extractor.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Embedding) == 0 {
		return nil, nil
	}
	return res.Embedding, nil
}

func (s *Service) Similarity(a, b []float32) float64 {
	return Cosine(a, b)
}

// Enroll extracts a template from image and stores it, replacing any
// previous one. The image itself is not kept.
func (s *Service) Enroll(ctx context.Context, attendeeID string, image []byte) (err error) {
	const op = "enroll face"

	attendeeID = strings.TrimSpace(attendeeID)
	defer func() {
		if s.auditor == nil || attendeeID == "" {
			return
		}
		ev := attendance.AuditEvent{
			ID:         uuid.NewString(),
			Kind:       attendance.AuditFaceEnroll,
			AttendeeID: attendeeID,
			Outcome:    attendance.Code(err),
			OccurredAt: s.clock.Now(),
		}
		if aerr := s.auditor.Record(context.WithoutCancel(ctx), ev); aerr != nil {
			s.logger.Warn("audit event dropped", "kind", ev.Kind, "err", aerr)
		}
	}()

	if attendeeID == "" || len(image) == 0 {
		return attendance.ErrInvalidRequest.At(op, errors.New("attendee and image are required"))
	}

	ectx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()
	vec, err := s.Extract(ectx, image)
	if err != nil {
		if ctx.Err() == nil && errors.Is(ectx.Err(), context.DeadlineExceeded) {
			return attendance.ErrEmbeddingTimeout.At(op, err)
		}
		return attendance.ErrInternal.At(op, err)
	}
	if len(vec) == 0 {
		return attendance.ErrNoFaceDetected.At(op, nil)
	}
	if err := s.templates.PutTemplate(ctx, attendeeID, vec, s.clock.Now()); err != nil {
		return attendance.ErrInternal.At(op, err)
	}
	s.logger.Info("face template enrolled", "attendee_id", attendeeID, "dims", len(vec))
	return nil
}
