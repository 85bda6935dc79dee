package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/retry"
)

// ErrNotRunning is returned by Trigger when the scheduler loop has exited.
var ErrNotRunning = errors.New("scheduler is not running")

// Outcome summarizes one fire after the job and its hook finished.
type Outcome struct {
	RunID       uint64     `json:"run_id" yaml:"run_id"`
	Status      job.Status `json:"status" yaml:"status"`
	HookRunID   uint64     `json:"hook_run_id,omitempty" yaml:"hook_run_id,omitempty"`
	HookStatus  job.Status `json:"hook_status,omitempty" yaml:"hook_status,omitempty"`
	CompletedAt time.Time  `json:"completed_at" yaml:"completed_at"`
}

// Ran reports whether a job run actually happened.
func (o Outcome) Ran() bool {
	return o.RunID != 0
}

// Runner executes one fire.
type Runner interface {
	Fire(ctx context.Context, trigger job.Trigger) (Outcome, error)
}

// RunIDSeeder is implemented by runners that continue run ids from the
// persisted state.
type RunIDSeeder interface {
	SeedRunID(last uint64)
}

// Observer receives scheduling metrics. All methods must be cheap.
type Observer interface {
	SetNextFire(t time.Time)
	FiresMissed(n int)
	StatePersistFailed()
}

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Persistent   bool
	Store        *StateStore
	Runner       Runner
	Recorder     activity.Recorder
	Logger       *logger.Logger
	Observer     Observer
	Instance     string
	Now          func() time.Time
	// RunIDFloor is the highest run id known from elsewhere, typically the
	// activity log. Run ids continue after the larger of it and the state.
	RunIDFloor uint64
	// Retry bounds state saves. Zero values use the retry defaults.
	Retry retry.Config
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Started     bool        `json:"started" yaml:"started"`
	Running     bool        `json:"running" yaml:"running"`
	NextFire    *time.Time  `json:"next_fire,omitempty" yaml:"next_fire,omitempty"`
	NextTrigger job.Trigger `json:"next_trigger,omitempty" yaml:"next_trigger,omitempty"`
	State       State       `json:"state" yaml:"state"`
}

// TriggerResult is delivered once a manual trigger has been handled.
type TriggerResult struct {
	Outcome Outcome
	Err     error
}

type request struct {
	reply chan TriggerResult
}

type completion struct {
	trigger job.Trigger
	firedAt time.Time
	outcome Outcome
	err     error
}

// Scheduler owns the schedule state and the single fire timer.
type Scheduler struct {
	opts     Options
	log      *logger.Logger
	schedule IntervalSchedule

	requests chan request
	exited   chan struct{}

	mu          sync.RWMutex
	state       State
	started     bool
	inFlight    int
	nextFire    time.Time
	nextTrigger job.Trigger
}

// New creates a Scheduler. Run starts it.
func New(opts Options) *Scheduler {
	if opts.Recorder == nil {
		opts.Recorder = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	return &Scheduler{
		opts:     opts,
		log:      opts.Logger,
		schedule: IntervalSchedule{Interval: opts.Interval},
		requests: make(chan request),
		exited:   make(chan struct{}),
	}
}

// Run loads the state, plans the first fire, and serves fires and manual
// triggers until ctx is done. In-flight runs are waited for, and their
// completion persisted, before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.exited)

	st := s.load()
	if seeder, ok := s.opts.Runner.(RunIDSeeder); ok {
		seeder.SeedRunID(max(st.LastRunID, s.opts.RunIDFloor))
	}
	st.LastRunID = max(st.LastRunID, s.opts.RunIDFloor)

	now := s.opts.Now()
	plan := PlanStart(st, s.opts.Interval, s.opts.InitialDelay, s.opts.Persistent, now)

	s.mu.Lock()
	s.state = st
	s.started = true
	s.mu.Unlock()

	s.record(activity.Event{
		Severity: activity.SeverityInfo,
		Kind:     activity.KindSchedulerStart,
		Message:  fmt.Sprintf("scheduler started, interval %s", s.opts.Interval),
		Fields: map[string]any{
			"interval":   s.opts.Interval.String(),
			"persistent": s.opts.Persistent,
			"instance":   s.opts.Instance,
			"has_run":    st.HasRun(),
		},
	})

	if plan.Missed > 0 {
		s.opts.Observer.FiresMissed(plan.Missed)
		msg := fmt.Sprintf("%d fire(s) missed while stopped, skipping to next boundary", plan.Missed)
		if plan.Trigger == job.TriggerCatchUp {
			msg = fmt.Sprintf("%d fire(s) missed while stopped, running one catch-up", plan.Missed)
		}
		s.record(activity.Event{
			Severity: activity.SeverityNotice,
			Kind:     activity.KindFireMissed,
			Message:  msg,
			Fields: map[string]any{
				"missed":          plan.Missed,
				"last_completion": st.LastCompletion,
				"next_fire":       plan.FireAt,
			},
		})
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		trigger = plan.Trigger
		done    = make(chan completion)
		wg      sync.WaitGroup
	)
	arm := func(at time.Time, trig job.Trigger) {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(max(at.Sub(s.opts.Now()), 0))
		timerC = timer.C
		trigger = trig
		s.setNext(at, trig)
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
		s.setNext(time.Time{}, "")
	}
	defer disarm()

	arm(plan.FireAt, plan.Trigger)

	for {
		select {
		case <-ctx.Done():
			for s.running() > 0 {
				s.apply(<-done)
			}
			wg.Wait()
			s.record(activity.Event{
				Severity: activity.SeverityInfo,
				Kind:     activity.KindSchedulerStop,
				Message:  "scheduler stopped",
			})
			return nil

		case <-timerC:
			disarm()
			s.record(activity.Event{
				Severity: activity.SeverityInfo,
				Kind:     activity.KindFire,
				Message:  fmt.Sprintf("fire (%s)", trigger),
				Fields:   map[string]any{"trigger": string(trigger)},
			})
			s.launch(ctx, trigger, nil, done, &wg)

		case req := <-s.requests:
			disarm()
			s.record(activity.Event{
				Severity: activity.SeverityInfo,
				Kind:     activity.KindTrigger,
				Message:  "manual trigger requested",
				Fields:   map[string]any{"trigger": string(job.TriggerManual)},
			})
			s.launch(ctx, job.TriggerManual, req.reply, done, &wg)

		case c := <-done:
			s.apply(c)
			if s.running() == 0 {
				arm(NextFire(s.State(), s.opts.Interval, s.opts.InitialDelay, s.opts.Now()), job.TriggerScheduled)
			}
		}
	}
}

// Trigger asks the running loop for an immediate manual fire. The result
// arrives on the returned channel when the fire completes or is dropped.
func (s *Scheduler) Trigger(ctx context.Context) (<-chan TriggerResult, error) {
	reply := make(chan TriggerResult, 1)
	select {
	case s.requests <- request{reply: reply}:
		return reply, nil
	case <-s.exited:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Status returns a snapshot.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Started:     s.started,
		Running:     s.inFlight > 0,
		NextTrigger: s.nextTrigger,
		State:       s.state,
	}
	if !s.nextFire.IsZero() {
		next := s.nextFire
		st.NextFire = &next
	}
	return st
}

// State returns the in-memory schedule state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Upcoming returns the next n fire times. The first is the armed fire, or
// the fire that will follow the run in progress.
func (s *Scheduler) Upcoming(n int) []time.Time {
	if n <= 0 {
		return nil
	}
	status := s.Status()
	var first time.Time
	if status.NextFire != nil {
		first = *status.NextFire
	} else {
		first = NextFire(status.State, s.opts.Interval, s.opts.InitialDelay, s.opts.Now())
	}
	return append([]time.Time{first}, s.schedule.Upcoming(first, n-1)...)
}

func (s *Scheduler) launch(ctx context.Context, trigger job.Trigger, reply chan<- TriggerResult, done chan<- completion, wg *sync.WaitGroup) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	firedAt := s.opts.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := s.opts.Runner.Fire(ctx, trigger)
		if reply != nil {
			reply <- TriggerResult{Outcome: out, Err: err}
		}
		done <- completion{trigger: trigger, firedAt: firedAt, outcome: out, err: err}
	}()
}

// apply folds a finished fire into the state and persists it. Fires that
// never ran a job leave the state untouched.
func (s *Scheduler) apply(c completion) {
	s.mu.Lock()
	s.inFlight--
	if !c.outcome.Ran() {
		s.mu.Unlock()
		if c.err != nil {
			s.log.Debug("fire did not run",
				logger.Field{Key: "trigger", Value: string(c.trigger)},
				logger.Field{Key: "error", Value: c.err.Error()})
		}
		return
	}

	completedAt := c.outcome.CompletedAt
	firedAt := c.firedAt
	s.state.Interval.Duration = s.opts.Interval
	s.state.Persistent = s.opts.Persistent
	s.state.LastCompletion = &completedAt
	s.state.LastFire = &firedAt
	s.state.LastRunID = max(s.state.LastRunID, c.outcome.RunID, c.outcome.HookRunID)
	s.state.LastStatus = string(c.outcome.Status)
	s.state.LastTrigger = string(c.trigger)
	s.state.Instance = s.opts.Instance
	s.state.UpdatedAt = s.opts.Now()
	st := s.state
	s.mu.Unlock()

	s.persist(st)
}

func (s *Scheduler) persist(st State) {
	if s.opts.Store == nil {
		return
	}
	// A shutdown must not abandon the final save.
	ctx := context.Background()
	err := retry.Do(ctx, s.opts.Retry, func(context.Context) error {
		return s.opts.Store.Save(st)
	})
	if err == nil {
		return
	}

	s.opts.Observer.StatePersistFailed()
	s.log.Warn("failed to persist schedule state, keeping in-memory state",
		logger.Field{Key: "file", Value: s.opts.Store.Path()},
		logger.Field{Key: "error", Value: err.Error()})
	s.record(activity.Event{
		Severity: activity.SeverityWarning,
		Kind:     activity.KindStatePersistFailed,
		RunID:    st.LastRunID,
		Message:  "failed to persist schedule state: " + err.Error(),
		Fields:   map[string]any{"file": s.opts.Store.Path()},
	})
}

func (s *Scheduler) load() State {
	if s.opts.Store == nil {
		return State{}
	}
	st, err := s.opts.Store.Load()
	if err == nil {
		return st
	}

	s.log.Warn("failed to load schedule state, treating job as never run",
		logger.Field{Key: "file", Value: s.opts.Store.Path()},
		logger.Field{Key: "error", Value: err.Error()})
	s.record(activity.Event{
		Severity: activity.SeverityWarning,
		Kind:     activity.KindStateLoadFailed,
		Message:  "failed to load schedule state: " + err.Error(),
		Fields: map[string]any{
			"file":       s.opts.Store.Path(),
			"error_kind": string(errors.Classify(err)),
		},
	})
	return State{}
}

func (s *Scheduler) setNext(at time.Time, trig job.Trigger) {
	s.mu.Lock()
	s.nextFire = at
	s.nextTrigger = trig
	s.mu.Unlock()

	if !at.IsZero() {
		s.opts.Observer.SetNextFire(at)
		s.log.Debug("next fire armed",
			logger.Field{Key: "at", Value: at},
			logger.Field{Key: "trigger", Value: string(trig)})
		s.record(activity.Event{
			Severity: activity.SeverityDebug,
			Kind:     activity.KindScheduleArmed,
			Message:  fmt.Sprintf("next fire at %s (%s)", at.Format(time.RFC3339), trig),
			Fields: map[string]any{
				"next_fire": at,
				"trigger":   string(trig),
			},
		})
	}
}

func (s *Scheduler) running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Scheduler) record(ev activity.Event) {
	ev.Source = activity.SourceScheduler
	if err := s.opts.Recorder.Append(ev); err != nil {
		s.log.Warn("failed to record activity event",
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

type nopObserver struct{}

func (nopObserver) SetNextFire(time.Time) {}
func (nopObserver) FiresMissed(int)       {}
func (nopObserver) StatePersistFailed()   {}
