package schedule

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/retry"
)

type fire struct {
	trigger   job.Trigger
	started   time.Time
	completed time.Time
}

type fakeRunner struct {
	mu       sync.Mutex
	fires    []fire
	lastID   uint64
	seeded   uint64
	duration time.Duration
	status   job.Status
	active   int
	overlaps int
}

func (r *fakeRunner) Fire(ctx context.Context, trigger job.Trigger) (Outcome, error) {
	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlaps++
	}
	r.mu.Unlock()

	started := time.Now()
	if r.duration > 0 {
		select {
		case <-time.After(r.duration):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	r.lastID++
	status := r.status
	if status == "" {
		status = job.StatusSucceeded
	}
	f := fire{trigger: trigger, started: started, completed: time.Now()}
	r.fires = append(r.fires, f)
	return Outcome{RunID: r.lastID, Status: status, CompletedAt: f.completed}, nil
}

func (r *fakeRunner) SeedRunID(last uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeded = last
	r.lastID = last
}

func (r *fakeRunner) Fires() []fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fire(nil), r.fires...)
}

type memRecorder struct {
	mu     sync.Mutex
	events []activity.Event
}

func (m *memRecorder) Append(ev activity.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRecorder) ByKind(kind string) []activity.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []activity.Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sched  *Scheduler
	runner *fakeRunner
	events *memRecorder
	store  *StateStore
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startScheduler(t *testing.T, opts Options, runner *fakeRunner) *harness {
	t.Helper()
	if opts.Store == nil {
		opts.Store = NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	}
	events := &memRecorder{}
	opts.Runner = runner
	opts.Recorder = events
	opts.Retry = retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	h := &harness{
		sched:  New(opts),
		runner: runner,
		events: events,
		store:  opts.Store,
		done:   make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sched.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func (h *harness) waitFires(t *testing.T, n int) []fire {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.runner.Fires()) >= n }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.sched.Status().Running }, 5*time.Second, 5*time.Millisecond)
	return h.runner.Fires()
}

func seedState(t *testing.T, st State) *StateStore {
	t.Helper()
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, store.Save(st))
	return store
}

func TestScheduler_FirstRunFiresImmediately(t *testing.T) {
	h := startScheduler(t, Options{Interval: time.Hour}, &fakeRunner{})

	fires := h.waitFires(t, 1)
	assert.Equal(t, job.TriggerScheduled, fires[0].trigger)

	require.Eventually(t, func() bool { return h.sched.Status().NextFire != nil }, 5*time.Second, 5*time.Millisecond)
	status := h.sched.Status()
	require.NotNil(t, status.State.LastCompletion)
	assert.True(t, fires[0].completed.Equal(*status.State.LastCompletion))
	assert.True(t, fires[0].completed.Add(time.Hour).Equal(*status.NextFire), "next fire anchors to completion")

	persisted, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), persisted.LastRunID)
	assert.Equal(t, "succeeded", persisted.LastStatus)
	assert.Equal(t, time.Hour, persisted.Interval.Duration)
}

func TestScheduler_PersistentCatchUp(t *testing.T) {
	last := time.Now().Add(-3*time.Hour - 10*time.Minute)
	store := seedState(t, State{LastCompletion: &last, LastRunID: 41})
	runner := &fakeRunner{}

	h := startScheduler(t, Options{Interval: time.Hour, Persistent: true, Store: store}, runner)

	fires := h.waitFires(t, 1)
	assert.Equal(t, job.TriggerCatchUp, fires[0].trigger)
	assert.Equal(t, uint64(41), runner.seeded)

	// only one catch-up however many fires were missed
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.runner.Fires(), 1)

	missed := h.events.ByKind(activity.KindFireMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, 3, missed[0].Fields["missed"])

	st := h.sched.State()
	assert.Equal(t, uint64(42), st.LastRunID)
	assert.Equal(t, string(job.TriggerCatchUp), st.LastTrigger)
}

func TestScheduler_NonPersistentSkipsMissed(t *testing.T) {
	last := time.Now().Add(-3*time.Hour - 30*time.Minute)
	store := seedState(t, State{LastCompletion: &last})

	h := startScheduler(t, Options{Interval: time.Hour, Persistent: false, Store: store}, &fakeRunner{})

	require.Eventually(t, func() bool { return h.sched.Status().NextFire != nil }, 5*time.Second, 5*time.Millisecond)
	status := h.sched.Status()
	assert.True(t, last.Add(4*time.Hour).Equal(*status.NextFire))
	assert.Equal(t, job.TriggerScheduled, status.NextTrigger)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.runner.Fires(), "no catch-up run")
	assert.Len(t, h.events.ByKind(activity.KindFireMissed), 1)
}

func TestScheduler_UnreadableStateRunsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	h := startScheduler(t, Options{Interval: time.Hour, Store: NewStateStore(path, nil)}, &fakeRunner{})

	h.waitFires(t, 1)
	loadFailed := h.events.ByKind(activity.KindStateLoadFailed)
	require.Len(t, loadFailed, 1)
	assert.Equal(t, activity.SeverityWarning, loadFailed[0].Severity)
	assert.Equal(t, "persistence", loadFailed[0].Fields["error_kind"])

	// the bad file is replaced after the run
	require.Eventually(t, func() bool {
		st, err := h.store.Load()
		return err == nil && st.LastRunID == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_RunIDFloorAfterLostState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0644))
	runner := &fakeRunner{}

	h := startScheduler(t, Options{Interval: time.Hour, Store: NewStateStore(path, nil), RunIDFloor: 9}, runner)

	h.waitFires(t, 1)
	assert.Equal(t, uint64(9), runner.seeded, "ids continue after the activity log")
	require.Eventually(t, func() bool {
		st, err := h.store.Load()
		return err == nil && st.LastRunID == 10
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_RunIDFloorBelowState(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	store := seedState(t, State{LastCompletion: &last, LastRunID: 20})
	runner := &fakeRunner{}

	h := startScheduler(t, Options{Interval: time.Hour, Store: store, RunIDFloor: 3}, runner)
	require.Eventually(t, func() bool { return h.sched.Status().Started }, 5*time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, uint64(20), runner.seeded)
}

func TestScheduler_PersistFailureKeepsScheduling(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	store := NewStateStore(filepath.Join(blocker, "state.json"), nil)

	h := startScheduler(t, Options{Interval: 50 * time.Millisecond, Store: store}, &fakeRunner{})

	h.waitFires(t, 2)
	assert.NotEmpty(t, h.events.ByKind(activity.KindStatePersistFailed))
	assert.GreaterOrEqual(t, h.sched.State().LastRunID, uint64(1), "in-memory state stays authoritative")
}

func TestScheduler_ManualTrigger(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	store := seedState(t, State{LastCompletion: &last, LastRunID: 7})

	h := startScheduler(t, Options{Interval: time.Hour, Store: store}, &fakeRunner{})
	require.Eventually(t, func() bool { return h.sched.Status().Started }, 5*time.Second, 5*time.Millisecond)

	reply, err := h.sched.Trigger(context.Background())
	require.NoError(t, err)

	select {
	case res := <-reply:
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(8), res.Outcome.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("manual trigger never completed")
	}

	fires := h.waitFires(t, 1)
	assert.Equal(t, job.TriggerManual, fires[0].trigger)
	assert.Len(t, h.events.ByKind(activity.KindTrigger), 1)

	require.Eventually(t, func() bool { return h.sched.Status().NextFire != nil }, 5*time.Second, 5*time.Millisecond)
	status := h.sched.Status()
	assert.Equal(t, string(job.TriggerManual), status.State.LastTrigger)
	assert.True(t, fires[0].completed.Add(time.Hour).Equal(*status.NextFire), "manual runs update last completion")
}

func TestScheduler_TriggerAfterStop(t *testing.T) {
	h := startScheduler(t, Options{Interval: time.Hour}, &fakeRunner{})
	h.waitFires(t, 1)
	h.stop()

	_, err := h.sched.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_RunsNeverOverlapAndAnchorToCompletion(t *testing.T) {
	interval := 40 * time.Millisecond
	runner := &fakeRunner{duration: 20 * time.Millisecond}
	h := startScheduler(t, Options{Interval: interval}, runner)

	fires := h.waitFires(t, 4)
	h.stop()

	assert.Zero(t, runner.overlaps)
	for i := 1; i < len(fires); i++ {
		gap := fires[i].started.Sub(fires[i-1].completed)
		assert.GreaterOrEqual(t, gap, interval, "fire %d started %s after previous completion", i, gap)
	}
}

func TestScheduler_StopWaitsForInFlightRun(t *testing.T) {
	runner := &fakeRunner{duration: time.Hour}
	h := startScheduler(t, Options{Interval: time.Hour}, runner)

	require.Eventually(t, func() bool { return h.sched.Status().Running }, 5*time.Second, 5*time.Millisecond)
	start := time.Now()
	h.stop()
	assert.Less(t, time.Since(start), 5*time.Second, "Run did not return after cancel")

	assert.Len(t, runner.Fires(), 1)
	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastRunID, "the terminated run is persisted")
	assert.Len(t, h.events.ByKind(activity.KindSchedulerStop), 1)
}

func TestScheduler_Upcoming(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	store := seedState(t, State{LastCompletion: &last})
	h := startScheduler(t, Options{Interval: time.Hour, Store: store}, &fakeRunner{})
	require.Eventually(t, func() bool { return h.sched.Status().NextFire != nil }, 5*time.Second, 5*time.Millisecond)

	got := h.sched.Upcoming(3)
	require.Len(t, got, 3)
	assert.True(t, last.Add(time.Hour).Equal(got[0]))
	assert.True(t, last.Add(3*time.Hour).Equal(got[2]))
	assert.Nil(t, h.sched.Upcoming(0))
}
