// Package retention periodically removes expired records from stores that
// cannot expire keys natively.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/pkg/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs a pruner on a cron schedule.
type Scheduler struct {
	pruner   kv.Pruner
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler. An empty schedule disables it.
func NewScheduler(pruner kv.Pruner, schedule string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pruner:   pruner,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With(zap.String("component", "retention")),
	}
}

// Start schedules pruning using a standard five-field cron expression and
// stops when ctx is cancelled.
//
//   - "*/15 * * * *" every 15 minutes
//   - "0 3 * * *"    daily at 3 AM
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("retention schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.runPruning(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Scheduler) runPruning(ctx context.Context) {
	start := time.Now()
	pruned, err := s.pruner.PruneExpired(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("prune").Inc()
		s.logger.Error("scheduled pruning failed", zap.Error(err))
		return
	}

	metrics.RetentionPruned.Add(float64(pruned))
	if pruned > 0 {
		s.logger.Info("scheduled pruning completed",
			zap.Int64("pruned", pruned),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		s.logger.Debug("scheduled pruning completed, nothing expired")
	}
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled prune, or nil when nothing is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
