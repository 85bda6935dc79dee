//go:build unix

package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/metrics"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

type memRecorder struct {
	mu         sync.Mutex
	events     []activity.Event
	panicStart atomic.Bool
}

func (r *memRecorder) Append(ev activity.Event) error {
	if ev.Kind == activity.KindRunStart && r.panicStart.CompareAndSwap(true, false) {
		panic("recorder exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) ByKind(kind string) []activity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func sh(name, script string) job.Definition {
	return job.Definition{
		Name:        name,
		Argv:        []string{"/bin/sh", "-c", script},
		KillGrace:   time.Second,
		OutputLimit: 1 << 16,
	}
}

func newPipeline(t *testing.T, jobScript, hookScript string, overlap job.Overlap) (*Pipeline, *memRecorder, *prometheus.Registry) {
	t.Helper()
	events := &memRecorder{}
	reg := prometheus.NewRegistry()

	exec := job.NewExecutor(job.Options{
		Overlap:   overlap,
		OutputDir: filepath.Join(t.TempDir(), "runs"),
		Recorder:  events,
	})
	opts := Options{
		Job:      sh("fetch", jobScript),
		Executor: exec,
		Recorder: events,
		Metrics:  metrics.New("pt", reg, PhaseNames(), nil),
	}
	if hookScript != "" {
		h := sh("publish", hookScript)
		opts.Hook = &h
	}
	return New(opts), events, reg
}

func TestPipeline_RunCycle(t *testing.T) {
	tests := []struct {
		name           string
		jobScript      string
		hookScript     string
		wantJob        job.Status
		wantExit       int
		wantHook       job.Status
		wantHookRan    bool
		wantJobErr     error
		wantHookEvents int
	}{
		{
			name:           "job and hook succeed",
			jobScript:      "echo fetched",
			hookScript:     "echo published",
			wantJob:        job.StatusSucceeded,
			wantHook:       job.StatusSucceeded,
			wantHookRan:    true,
			wantHookEvents: 2,
		},
		{
			name:           "job fails so hook is skipped",
			jobScript:      "exit 3",
			hookScript:     "echo published",
			wantJob:        job.StatusFailed,
			wantExit:       3,
			wantHook:       job.StatusSkipped,
			wantJobErr:     errors.ErrRuntimeFailure,
			wantHookEvents: 1,
		},
		{
			name:           "job killed without timeout is a failure",
			jobScript:      "kill -9 $$",
			hookScript:     "echo published",
			wantJob:        job.StatusFailed,
			wantExit:       137,
			wantHook:       job.StatusSkipped,
			wantJobErr:     errors.ErrRuntimeFailure,
			wantHookEvents: 1,
		},
		{
			name:           "hook failure leaves job status alone",
			jobScript:      "true",
			hookScript:     "exit 1",
			wantJob:        job.StatusSucceeded,
			wantHook:       job.StatusFailed,
			wantHookRan:    true,
			wantHookEvents: 2,
		},
		{
			name:      "no hook configured",
			jobScript: "true",
			wantJob:   job.StatusSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, events, _ := newPipeline(t, tt.jobScript, tt.hookScript, job.OverlapQueue)

			cyc, err := p.RunCycle(context.Background(), job.TriggerScheduled)
			if tt.wantJobErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantJobErr))
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantJob, cyc.Job.Status)
			assert.Equal(t, tt.wantExit, cyc.Job.ExitCode)
			assert.False(t, cyc.CompletedAt.Before(cyc.Job.EndedAt))

			if tt.hookScript == "" {
				assert.Nil(t, cyc.Hook)
			} else {
				require.NotNil(t, cyc.Hook)
				assert.Equal(t, tt.wantHook, cyc.Hook.Status)
				assert.Equal(t, cyc.Job.ID, cyc.Hook.ParentID)
			}

			hookEvents := 0
			for _, kind := range []string{activity.KindRunStart, activity.KindRunEnd, activity.KindHookSkip} {
				for _, ev := range events.ByKind(kind) {
					if ev.Source == activity.SourceHook {
						hookEvents++
					}
				}
			}
			assert.Equal(t, tt.wantHookEvents, hookEvents)
			assert.Equal(t, PhaseIdle, p.Phase())
		})
	}
}

func TestPipeline_HookFailureIsRecordedAsError(t *testing.T) {
	p, events, _ := newPipeline(t, "true", "echo boom >&2; exit 2", job.OverlapQueue)

	out, err := p.Fire(context.Background(), job.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, out.Status)
	assert.Equal(t, job.StatusFailed, out.HookStatus)

	var hookEnd *activity.Event
	for _, ev := range events.ByKind(activity.KindRunEnd) {
		if ev.Source == activity.SourceHook {
			hookEnd = &ev
		}
	}
	require.NotNil(t, hookEnd)
	assert.Equal(t, activity.SeverityErr, hookEnd.Severity)
	assert.Equal(t, "boom\n", hookEnd.Fields["output"])
}

func TestPipeline_FireReportsFailuresInOutcome(t *testing.T) {
	p, _, _ := newPipeline(t, "exit 5", "", job.OverlapQueue)

	out, err := p.Fire(context.Background(), job.TriggerScheduled)
	require.NoError(t, err, "a failed job is still a completed fire")
	assert.True(t, out.Ran())
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.False(t, out.CompletedAt.IsZero())
}

func TestPipeline_SkipWhileBusy(t *testing.T) {
	p, events, reg := newPipeline(t, "sleep 0.3", "", job.OverlapSkip)

	first := make(chan Cycle, 1)
	go func() {
		cyc, _ := p.RunCycle(context.Background(), job.TriggerScheduled)
		first <- cyc
	}()
	require.Eventually(t, func() bool { return p.Status().Busy }, 2*time.Second, 5*time.Millisecond)

	out, err := p.Fire(context.Background(), job.TriggerManual)
	assert.ErrorIs(t, err, job.ErrBusy)
	assert.False(t, out.Ran())
	assert.Len(t, events.ByKind(activity.KindFireSkip), 1)

	cyc := <-first
	assert.Equal(t, job.StatusSucceeded, cyc.Job.Status)
	assert.Len(t, events.ByKind(activity.KindRunStart), 1, "the dropped request never launched")

	expected := `
# HELP pt_fires_skipped_total Run requests dropped because a run was in progress
# TYPE pt_fires_skipped_total counter
pt_fires_skipped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pt_fires_skipped_total"))
}

func TestPipeline_PanicIsRecordedAsFailedRun(t *testing.T) {
	p, events, _ := newPipeline(t, "true", "true", job.OverlapQueue)
	events.panicStart.Store(true)

	cyc, err := p.RunCycle(context.Background(), job.TriggerScheduled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRuntimeFailure))
	assert.True(t, cyc.Panicked)
	assert.Equal(t, job.StatusFailed, cyc.Job.Status)
	assert.Equal(t, uint64(1), cyc.Job.ID)
	assert.Nil(t, cyc.Hook, "hook never runs after a panic")

	panics := events.ByKind(activity.KindRunPanic)
	require.Len(t, panics, 1)
	assert.Contains(t, panics[0].Message, "recorder exploded")
	assert.Equal(t, PhaseIdle, p.Phase())

	// the executor slot was released and ids keep counting
	cyc, err = p.RunCycle(context.Background(), job.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cyc.Job.ID)
	require.NotNil(t, cyc.Hook)
	assert.Equal(t, uint64(3), cyc.Hook.ID)
}

func TestPipeline_Status(t *testing.T) {
	p, _, _ := newPipeline(t, "true", "", job.OverlapQueue)

	st := p.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Nil(t, st.LastCycle)

	_, err := p.RunCycle(context.Background(), job.TriggerManual)
	require.NoError(t, err)

	st = p.Status()
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, job.TriggerManual, st.LastCycle.Trigger)
	assert.False(t, st.Busy)
}

func TestPipeline_WithScheduler(t *testing.T) {
	p, events, _ := newPipeline(t, "echo tick", "echo tock", job.OverlapQueue)
	store := schedule.NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	sched := schedule.New(schedule.Options{
		Interval: 100 * time.Millisecond,
		Store:    store,
		Runner:   p,
		Recorder: events,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(events.ByKind(activity.KindRunEnd)) >= 6
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// job and hook runs alternate, and hooks point at the job before them
	var lastJob uint64
	for _, ev := range events.ByKind(activity.KindRunStart) {
		switch ev.Source {
		case activity.SourceJob:
			lastJob = ev.RunID
		case activity.SourceHook:
			assert.EqualValues(t, lastJob, ev.Fields["parent_run_id"])
		}
	}

	st, err := store.Load()
	require.NoError(t, err)
	assert.NotZero(t, st.LastRunID)
	assert.Equal(t, "succeeded", st.LastStatus)
}
