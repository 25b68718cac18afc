package attendance

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically closes sessions whose class period has ended. The
// read path closes such sessions lazily as well, so the sweeper only keeps
// the stored state tidy for reports and dashboards.
//
// An interval of 0 disables it.
type Sweeper struct {
	lifecycle *Lifecycle
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	started   bool
	done      chan struct{}
}

// NewSweeper creates a sweeper but does not start it.
func NewSweeper(l *Lifecycle, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		lifecycle: l,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.started = true
	if s.interval <= 0 {
		s.logger.Info("session sweeper disabled")
		close(s.done)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("session sweeper started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for it. It is a no-op on a sweeper
// that was never started.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.lifecycle.CloseDue(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("closed sessions past their class period", "count", n)
	}
}
