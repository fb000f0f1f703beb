package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}

	// Run immediately at startup.
	s.runOnce(ctx, "initial sync failed")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, "scheduled sync failed")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, failure string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	err := s.Runner.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncAlreadyRunning):
		logger.Info("sync skipped, previous pass still running")
	case errors.Is(err, ErrNoConnectedIntegrations):
		logger.Info("sync skipped, no connected integrations")
	case ctx.Err() != nil:
	default:
		logger.Error(failure, "err", err)
	}
}
