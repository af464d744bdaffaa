package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
)

type SchedulerOptions struct {
	Interval time.Duration
	Logger   *logrus.Entry
}

// Scheduler periodically runs the full pipeline for the most recently
// completed week across all orgs. The run lock makes overlapping schedules
// across replicas harmless: the loser observes LOCKED and waits for the next
// tick.
type Scheduler struct {
	pipeline *PipelineService
	opts     SchedulerOptions
}

func NewScheduler(pipeline *PipelineService, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{pipeline: pipeline, opts: opts}
}

func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.opts.Logger.WithError(err).Warn("scheduled run failed")
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	result, err := s.pipeline.Run(ctx, RunRequest{
		WeekOffset: -1,
		Scope:      aggregate.GlobalScope(),
		Mode:       aggregate.ModeFull,
	})
	if err != nil {
		return err
	}

	switch result.Status {
	case aggregate.RunLocked:
		s.opts.Logger.WithField("held_by", result.HeldBy).Debug("scheduled run skipped, lock held")
	case aggregate.RunFailed, aggregate.RunPartial:
		s.opts.Logger.WithFields(logrus.Fields{
			"run_id": result.RunID,
			"status": string(result.Status),
			"errors": len(result.Errors),
		}).Warn("scheduled run finished with failures")
	}

	if _, err := s.pipeline.StuckLocks(ctx, time.Now()); err != nil {
		s.opts.Logger.WithError(err).Debug("stuck lock sweep failed")
	}
	return nil
}
