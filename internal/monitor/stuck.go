// Package monitor runs the periodic background sweeps that keep
// conversation sessions moving without patient input: the stuck-session
// retry/fail loop, the expiry sweeper, and the audit retention archiver.
// Grounded on the teacher's messagingworker.RetrySender ticker-loop shape.
package monitor

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultStuckTimeout    = 5 * time.Minute
	defaultStuckMaxRetries = 1
	defaultStuckInterval   = 60 * time.Second
)

// stuckProcessor is the engine surface the sweeper needs.
type stuckProcessor interface {
	ProcessStuckSessions(ctx context.Context, timeout time.Duration, maxRetries int) error
}

// StuckSweeper periodically retries or fails sessions whose slot request
// has been outstanding too long, per §4.12.
type StuckSweeper struct {
	engine     stuckProcessor
	logger     *slog.Logger
	timeout    time.Duration
	maxRetries int
	interval   time.Duration
}

// NewStuckSweeper builds a StuckSweeper with the spec's stated defaults.
func NewStuckSweeper(engine stuckProcessor, logger *slog.Logger) *StuckSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &StuckSweeper{
		engine:     engine,
		logger:     logger,
		timeout:    defaultStuckTimeout,
		maxRetries: defaultStuckMaxRetries,
		interval:   defaultStuckInterval,
	}
}

func (s *StuckSweeper) WithTimeout(d time.Duration) *StuckSweeper {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *StuckSweeper) WithMaxRetries(n int) *StuckSweeper {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

func (s *StuckSweeper) WithInterval(d time.Duration) *StuckSweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Run blocks, ticking until ctx is cancelled. The first tick runs
// immediately rather than waiting a full interval.
func (s *StuckSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *StuckSweeper) tick(ctx context.Context) {
	if err := s.engine.ProcessStuckSessions(ctx, s.timeout, s.maxRetries); err != nil {
		s.logger.Error("monitor: stuck session sweep failed", "error", err)
	}
}
