package cleanup

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

type fakePruner struct {
	calls atomic.Int32
	stats activity.PruneStats
	err   error
	got   activity.Retention
	mu    sync.Mutex
}

func (p *fakePruner) Prune(_ context.Context, r activity.Retention) (activity.PruneStats, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.got = r
	p.mu.Unlock()
	return p.stats, p.err
}

type memRecorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *memRecorder) Append(ev activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) Events() []activity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.Event(nil), r.events...)
}

func TestScheduler_Trigger(t *testing.T) {
	tests := []struct {
		name         string
		stats        activity.PruneStats
		err          error
		wantEvents   int
		wantSeverity activity.Severity
	}{
		{
			name:         "something pruned",
			stats:        activity.PruneStats{ByAge: 3, ByCount: 2, OutputFiles: 1},
			wantEvents:   1,
			wantSeverity: activity.SeverityInfo,
		},
		{
			name:       "nothing to prune",
			wantEvents: 0,
		},
		{
			name:         "prune fails",
			err:          errors.New("disk I/O error"),
			wantEvents:   1,
			wantSeverity: activity.SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePruner{stats: tt.stats, err: tt.err}
			rec := &memRecorder{}
			retention := activity.Retention{MaxAge: time.Hour, MaxEvents: 10, OutputDir: "/tmp/runs"}
			s := NewScheduler(p, Config{Enabled: true, Retention: retention}, rec, nil)

			stats, err := s.Trigger(context.Background())
			if tt.err != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.stats, stats)
			assert.Equal(t, retention, p.got)

			events := rec.Events()
			require.Len(t, events, tt.wantEvents)
			if tt.wantEvents > 0 {
				assert.Equal(t, activity.KindRetentionPrune, events[0].Kind)
				assert.Equal(t, tt.wantSeverity, events[0].Severity)
			}

			at, last := s.Last()
			assert.False(t, at.IsZero())
			assert.Equal(t, tt.stats, last)
		})
	}
}

func TestScheduler_RunDisabled(t *testing.T) {
	p := &fakePruner{}
	s := NewScheduler(p, Config{Enabled: false}, nil, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Zero(t, p.calls.Load())
}

func TestScheduler_RunPeriodically(t *testing.T) {
	p := &fakePruner{}
	s := NewScheduler(p, Config{Enabled: true, Interval: 20 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(&fakePruner{}, Config{Enabled: true}, nil, nil)
	assert.Equal(t, DefaultInterval, s.config.Interval)
}

func TestScheduler_WithStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := activity.Open(filepath.Join(t.TempDir(), "activity.db"), activity.Options{
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for i := range 5 {
		require.NoError(t, store.Append(activity.Event{
			Time:    now.Add(-48 * time.Hour).Add(time.Duration(i) * time.Minute),
			Source:  activity.SourceJob,
			Kind:    activity.KindRunEnd,
			Message: "old",
		}))
	}
	require.NoError(t, store.Append(activity.Event{Source: activity.SourceJob, Kind: activity.KindRunEnd, Message: "fresh"}))
	require.NoError(t, store.Flush(context.Background()))

	s := NewScheduler(store, Config{Enabled: true, Retention: activity.Retention{MaxAge: 24 * time.Hour}}, store, nil)
	stats, err := s.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.ByAge)

	require.NoError(t, store.Flush(context.Background()))
	events, err := activity.Collect(store.Query(context.Background(), activity.Filter{}))
	require.NoError(t, err)
	require.Len(t, events, 2)
	kinds := []string{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []string{activity.KindRunEnd, activity.KindRetentionPrune}, kinds)
}
