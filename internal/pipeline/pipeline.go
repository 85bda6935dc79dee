// Package pipeline ties one fire together: job, then hook if the job
// succeeded, with lifecycle phases, activity events and metrics along the
// way.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/hook"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/metrics"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

// Options configures a Pipeline.
type Options struct {
	Job job.Definition
	// Hook is nil when no hook is configured.
	Hook     *job.Definition
	Executor *job.Executor
	Recorder activity.Recorder
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Cycle is the result of one fire.
type Cycle struct {
	Trigger     job.Trigger    `json:"trigger" yaml:"trigger"`
	Job         job.RunRecord  `json:"job" yaml:"job"`
	Hook        *job.RunRecord `json:"hook,omitempty" yaml:"hook,omitempty"`
	Panicked    bool           `json:"panicked,omitempty" yaml:"panicked,omitempty"`
	CompletedAt time.Time      `json:"completed_at" yaml:"completed_at"`
}

// Status is a snapshot for status reporting.
type Status struct {
	Phase      Phase     `json:"phase" yaml:"phase"`
	PhaseSince time.Time `json:"phase_since" yaml:"phase_since"`
	Busy       bool      `json:"busy" yaml:"busy"`
	LastCycle  *Cycle    `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
}

// Pipeline runs fires. It implements schedule.Runner.
type Pipeline struct {
	opts      Options
	exec      *job.Executor
	hook      *hook.Runner
	lifecycle *Lifecycle
	log       *logger.Logger

	mu   sync.RWMutex
	last *Cycle
}

var _ schedule.Runner = (*Pipeline)(nil)

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Recorder == nil {
		opts.Recorder = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Executor == nil {
		opts.Executor = job.NewExecutor(job.Options{Recorder: opts.Recorder, Logger: opts.Logger, Now: opts.Now})
	}

	p := &Pipeline{
		opts: opts,
		exec: opts.Executor,
		hook: hook.New(opts.Hook, opts.Executor, opts.Recorder, opts.Logger),
		log:  opts.Logger,
	}
	p.lifecycle = NewLifecycle(opts.Now, func(ph Phase) {
		opts.Metrics.SetPhase(string(ph))
	})
	return p
}

// SeedRunID continues run ids after last.
func (p *Pipeline) SeedRunID(last uint64) {
	p.exec.SeedRunID(last)
}

// Fire runs one cycle for the scheduler. Job and hook failures are part
// of the outcome; only a dropped or cancelled request is an error.
func (p *Pipeline) Fire(ctx context.Context, trigger job.Trigger) (schedule.Outcome, error) {
	cyc, err := p.RunCycle(ctx, trigger)
	if err != nil && !cyc.Job.Ran() {
		return schedule.Outcome{}, err
	}

	out := schedule.Outcome{
		RunID:       cyc.Job.ID,
		Status:      cyc.Job.Status,
		CompletedAt: cyc.CompletedAt,
	}
	if cyc.Hook != nil {
		out.HookRunID = cyc.Hook.ID
		out.HookStatus = cyc.Hook.Status
	}
	return out, nil
}

// RunCycle runs the job and, if it succeeded, the hook, holding the
// executor slot for the whole cycle. The returned error is the job's
// error, ErrBusy when the request was dropped, or a context error.
func (p *Pipeline) RunCycle(ctx context.Context, trigger job.Trigger) (Cycle, error) {
	var (
		cyc    Cycle
		cycErr error
	)
	err := p.exec.Exclusive(ctx, trigger, func(ctx context.Context) {
		cyc, cycErr = p.guardedCycle(ctx, trigger)
	})
	if err != nil {
		if errors.Is(err, job.ErrBusy) {
			p.opts.Metrics.FireSkipped()
		}
		return Cycle{
			Trigger: trigger,
			Job:     job.RunRecord{Kind: job.KindJob, Name: p.opts.Job.Name, Trigger: trigger, Status: job.StatusSkipped},
		}, err
	}

	p.mu.Lock()
	last := cyc
	p.last = &last
	p.mu.Unlock()
	return cyc, cycErr
}

// guardedCycle runs cycle behind cron's panic recovery. A panic is
// recorded as a failed run.
func (p *Pipeline) guardedCycle(ctx context.Context, trigger job.Trigger) (Cycle, error) {
	var (
		cyc       Cycle
		cycErr    error
		completed bool
		recovered any
		stack     []byte
	)
	idBefore := p.exec.LastRunID()
	started := p.opts.Now()

	capture := func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			defer func() {
				if r := recover(); r != nil {
					recovered = r
					stack = debug.Stack()
					panic(r)
				}
			}()
			j.Run()
		})
	}
	cron.NewChain(cron.Recover(p.log.CronLogger()), capture).Then(cron.FuncJob(func() {
		cyc, cycErr = p.cycle(ctx, trigger)
		completed = true
	})).Run()

	if completed {
		return cyc, cycErr
	}
	return p.panicked(trigger, idBefore, started, recovered, stack)
}

func (p *Pipeline) cycle(ctx context.Context, trigger job.Trigger) (Cycle, error) {
	cyc := Cycle{Trigger: trigger}

	p.transition(PhaseScheduled)
	p.transition(PhaseRunning)

	rec, jobErr := p.exec.Launch(ctx, p.opts.Job, job.Spec{Kind: job.KindJob, Trigger: trigger})
	cyc.Job = rec
	p.observe(rec)

	switch rec.Status {
	case job.StatusSucceeded:
		p.transition(PhaseSucceeded)
	case job.StatusTimedOut:
		p.transition(PhaseTimedOut)
	default:
		p.transition(PhaseFailed)
	}

	if rec.Succeeded() && p.hook.Configured() {
		p.transition(PhaseHookRunning)
	}
	hookRec, ran, hookErr := p.hook.RunIfSuccessful(ctx, rec)
	if ran {
		cyc.Hook = &hookRec
		p.observe(hookRec)
		if hookErr != nil {
			p.transition(PhaseHookFailed)
		} else {
			p.transition(PhaseHookSucceeded)
		}
	} else if p.hook.Configured() {
		cyc.Hook = &hookRec
	}

	cyc.CompletedAt = p.opts.Now()
	p.transition(PhaseIdle)
	return cyc, jobErr
}

func (p *Pipeline) panicked(trigger job.Trigger, idBefore uint64, started time.Time, recovered any, stack []byte) (Cycle, error) {
	id := p.exec.LastRunID()
	if id == idBefore {
		id = p.exec.ReserveRunID()
	}
	now := p.opts.Now()
	err := errors.Mark(errors.Newf("panic during run: %v", recovered), errors.ErrRuntimeFailure)

	rec := job.RunRecord{
		ID:        id,
		Kind:      job.KindJob,
		Name:      p.opts.Job.Name,
		Trigger:   trigger,
		StartedAt: started,
		EndedAt:   now,
		Status:    job.StatusFailed,
		ExitCode:  -1,
		Error:     err.Error(),
	}
	p.observe(rec)

	ev := activity.Event{
		Time:     now,
		Source:   activity.SourceJob,
		Severity: activity.SeverityCrit,
		Kind:     activity.KindRunPanic,
		RunID:    id,
		Message:  fmt.Sprintf("job run %d panicked: %v", id, recovered),
		Fields: map[string]any{
			"trigger": string(trigger),
			"stack":   string(stack),
		},
	}
	if appendErr := p.opts.Recorder.Append(ev); appendErr != nil {
		p.log.Warn("failed to record activity event",
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "error", Value: appendErr.Error()})
	}

	p.lifecycle.Reset()
	return Cycle{Trigger: trigger, Job: rec, Panicked: true, CompletedAt: now}, err
}

func (p *Pipeline) observe(rec job.RunRecord) {
	p.opts.Metrics.RecordRun(string(rec.Kind), string(rec.Status), string(rec.Trigger),
		rec.Duration(), rec.StdoutBytes, rec.StderrBytes, rec.EndedAt)
}

func (p *Pipeline) transition(to Phase) {
	if err := p.lifecycle.Transition(to); err != nil {
		p.log.Warn("unexpected lifecycle transition", logger.Field{Key: "error", Value: err.Error()})
	}
}

// Phase returns the current lifecycle phase.
func (p *Pipeline) Phase() Phase {
	ph, _ := p.lifecycle.Phase()
	return ph
}

// Status returns a snapshot.
func (p *Pipeline) Status() Status {
	ph, since := p.lifecycle.Phase()
	st := Status{Phase: ph, PhaseSince: since, Busy: p.exec.Busy()}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last != nil {
		last := *p.last
		st.LastCycle = &last
	}
	return st
}
