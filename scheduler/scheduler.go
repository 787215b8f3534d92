// Package scheduler triggers pipeline runs on a cron schedule inside the process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner with a single entry.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Scheduler whose job invocations are bounded by timeout.
// Overlapping ticks are skipped while the previous invocation is still running.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{cron: c, logger: logger, timeout: timeout}
}

// Schedule registers job under a standard five-field cron expression or a
// descriptor such as "@every 5m".
func (s *Scheduler) Schedule(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error("Scheduled run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		s.logger.Debug("Scheduled run finished", "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("adding cron entry %q: %w", spec, err)
	}
	s.logger.Info("Pipeline run scheduled", "schedule", spec)
	return nil
}

// Start begins the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with a run in progress")
	}
}

// Next returns when the registered job fires next, or the zero time if none is registered.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
