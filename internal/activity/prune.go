package activity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

// Retention are the pruning thresholds. Zero values disable a threshold.
type Retention struct {
	MaxAge    time.Duration
	MaxEvents int
	// OutputDir holds run output files (<run-id>.log) pruned by MaxAge.
	OutputDir string
}

// PruneStats reports what Prune removed.
type PruneStats struct {
	ByAge       int64 `json:"by_age" yaml:"by_age"`
	ByCount     int64 `json:"by_count" yaml:"by_count"`
	OutputFiles int   `json:"output_files" yaml:"output_files"`
}

// Total is the number of deleted events.
func (p PruneStats) Total() int64 {
	return p.ByAge + p.ByCount
}

// Prune deletes events older than r.MaxAge and the oldest events beyond
// r.MaxEvents, plus run output files older than r.MaxAge.
func (s *Store) Prune(ctx context.Context, r Retention) (PruneStats, error) {
	var stats PruneStats
	now := s.opts.Now()

	if r.MaxAge > 0 {
		res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", now.Add(-r.MaxAge).UnixNano())
		if err != nil {
			return stats, errors.Wrap(err, "prune events by age")
		}
		stats.ByAge, _ = res.RowsAffected()
	}

	if r.MaxEvents > 0 {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM events WHERE id <= (SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?)",
			r.MaxEvents)
		if err != nil {
			return stats, errors.Wrap(err, "prune events by count")
		}
		stats.ByCount, _ = res.RowsAffected()
	}

	if r.MaxAge > 0 && r.OutputDir != "" {
		n, err := pruneOutputs(r.OutputDir, now.Add(-r.MaxAge), s.log)
		stats.OutputFiles = n
		if err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func pruneOutputs(dir string, cutoff time.Time, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read run output directory")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("failed to remove run output", logger.Field{Key: "file", Value: path}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		removed++
	}
	return removed, nil
}
