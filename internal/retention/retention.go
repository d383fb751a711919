// Package retention prunes old feed messages on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pruner deletes messages created before a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs a Pruner on a cron schedule.
type Scheduler struct {
	pruner Pruner
	sched  cron.Schedule
	maxAge time.Duration
	now    func() time.Time
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Pruner   Pruner
	Schedule string        // 5-field cron expression
	MaxAge   time.Duration // messages older than this are pruned
	Now      func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Pruner == nil {
		return nil, fmt.Errorf("retention: pruner is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: parse schedule %q: %w", opts.Schedule, err)
	}
	s := &Scheduler{pruner: opts.Pruner, sched: sched, maxAge: opts.MaxAge, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Next returns the first run time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

// RunOnce prunes everything older than the max age.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: %w", err)
	}
	return n, nil
}

// Run prunes at every scheduled time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("retention: prune failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Dur("max_age", s.maxAge).Msg("retention: pruned messages")
			}
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	d := s.sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
