// Package cleanup applies activity log retention periodically and on demand.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

// DefaultInterval is used when Config.Interval is not set.
const DefaultInterval = time.Hour

// Pruner deletes old activity. Implemented by *activity.Store.
type Pruner interface {
	Prune(ctx context.Context, r activity.Retention) (activity.PruneStats, error)
}

// Config holds configuration for the cleanup scheduler.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	Retention activity.Retention
}

// Scheduler manages periodic cleanup runs.
type Scheduler struct {
	pruner   Pruner
	config   Config
	recorder activity.Recorder
	logger   *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	last    activity.PruneStats
}

// NewScheduler creates a new cleanup scheduler.
func NewScheduler(p Pruner, cfg Config, rec activity.Recorder, log *logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if rec == nil {
		rec = activity.Discard
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		pruner:   p,
		config:   cfg,
		recorder: rec,
		logger:   log.With(logger.Field{Key: "component", Value: "cleanup"}),
		now:      time.Now,
	}
}

// Run prunes once immediately and then every Interval until ctx is done.
// It returns nil right away when cleanup is disabled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("cleanup scheduler disabled")
		return nil
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("cleanup scheduler started",
		logger.Field{Key: "interval", Value: s.config.Interval.String()},
		logger.Field{Key: "max_age", Value: s.config.Retention.MaxAge.String()},
		logger.Field{Key: "max_events", Value: s.config.Retention.MaxEvents})

	s.runCleanup(ctx)
	for {
		select {
		case <-ticker.C:
			s.runCleanup(ctx)
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Trigger(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("cleanup failed", err)
	}
}

// Trigger prunes now and records what was removed.
func (s *Scheduler) Trigger(ctx context.Context) (activity.PruneStats, error) {
	start := s.now()
	stats, err := s.pruner.Prune(ctx, s.config.Retention)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	s.lastRun = start
	s.last = stats
	s.mu.Unlock()

	if err != nil {
		s.record(activity.Event{
			Source:   activity.SourceScheduler,
			Severity: activity.SeverityWarning,
			Kind:     activity.KindRetentionPrune,
			Message:  "retention prune failed: " + err.Error(),
			Fields:   map[string]any{"error": err.Error()},
		})
		return stats, err
	}

	if stats.Total() == 0 && stats.OutputFiles == 0 {
		s.logger.Debug("cleanup completed: nothing to prune")
		return stats, nil
	}

	s.logger.Info(fmt.Sprintf("cleanup completed: %d events by age, %d by count, %d output files",
		stats.ByAge, stats.ByCount, stats.OutputFiles),
		logger.Field{Key: "by_age", Value: stats.ByAge},
		logger.Field{Key: "by_count", Value: stats.ByCount},
		logger.Field{Key: "output_files", Value: stats.OutputFiles},
		logger.Field{Key: "duration_ms", Value: elapsed.Milliseconds()})
	s.record(activity.Event{
		Source:   activity.SourceScheduler,
		Severity: activity.SeverityInfo,
		Kind:     activity.KindRetentionPrune,
		Message:  fmt.Sprintf("pruned %d events and %d output files", stats.Total(), stats.OutputFiles),
		Fields: map[string]any{
			"by_age":       stats.ByAge,
			"by_count":     stats.ByCount,
			"output_files": stats.OutputFiles,
			"duration_ms":  elapsed.Milliseconds(),
		},
	})
	return stats, nil
}

// Last returns the time and result of the most recent prune.
func (s *Scheduler) Last() (time.Time, activity.PruneStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

func (s *Scheduler) record(ev activity.Event) {
	if err := s.recorder.Append(ev); err != nil {
		s.logger.Warn("failed to record activity event",
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "error", Value: err.Error()})
	}
}
