// Package scheduler fires collection triggers on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Trigger is the collector's fire-and-forget entry point. It reports whether
// the trigger started a cycle.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

// Scheduler triggers once immediately and then every Interval.
type Scheduler struct {
	target   Trigger
	interval time.Duration
	log      *zap.SugaredLogger
}

func New(target Trigger, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{target: target, interval: interval, log: log.Named("scheduler")}
}

// Run blocks until ctx is done. Triggers that arrive while a cycle is still
// running are dropped by the target; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infow("scheduler started", "interval", s.interval)
	s.fire(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if !s.target.Trigger(ctx) && ctx.Err() == nil {
		s.log.Warn("previous collection cycle still running, tick skipped")
	}
}
