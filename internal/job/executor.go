package job

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// process exited while a descendant still holds the pipes.
const DefaultWaitDelay = 5 * time.Second

// Options configures an Executor.
type Options struct {
	Overlap Overlap
	// OutputDir receives <run-id>.log files. Empty disables storing output.
	OutputDir string
	Recorder  activity.Recorder
	Logger    *logger.Logger
	Now       func() time.Time
	WaitDelay time.Duration
}

// Spec says what a launch is for.
type Spec struct {
	Kind     Kind
	Trigger  Trigger
	ParentID uint64
}

// Executor launches commands and owns the single execution slot.
type Executor struct {
	guard  *Guard
	opts   Options
	log    *logger.Logger
	lastID atomic.Uint64
}

// NewExecutor creates an Executor.
func NewExecutor(opts Options) *Executor {
	if opts.Overlap == "" {
		opts.Overlap = OverlapQueue
	}
	if opts.Recorder == nil {
		opts.Recorder = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}
	return &Executor{
		guard: NewGuard(opts.Overlap),
		opts:  opts,
		log:   opts.Logger,
	}
}

// SeedRunID makes the next run id follow last. Ids never go backwards.
func (e *Executor) SeedRunID(last uint64) {
	for {
		cur := e.lastID.Load()
		if last <= cur || e.lastID.CompareAndSwap(cur, last) {
			return
		}
	}
}

// LastRunID returns the most recently assigned run id.
func (e *Executor) LastRunID() uint64 {
	return e.lastID.Load()
}

// ReserveRunID allocates a run id without launching anything. Used to
// record runs that died before reaching Launch.
func (e *Executor) ReserveRunID() uint64 {
	return e.lastID.Add(1)
}

// Busy reports whether a run holds the execution slot.
func (e *Executor) Busy() bool {
	return e.guard.Busy()
}

// Run executes def as a job while holding the execution slot. A dropped
// request returns a skipped record and ErrBusy.
func (e *Executor) Run(ctx context.Context, def Definition, trigger Trigger) (RunRecord, error) {
	var (
		rec    RunRecord
		runErr error
	)
	err := e.Exclusive(ctx, trigger, func(ctx context.Context) {
		rec, runErr = e.Launch(ctx, def, Spec{Kind: KindJob, Trigger: trigger})
	})
	if err != nil {
		return RunRecord{Kind: KindJob, Name: def.Name, Trigger: trigger, Status: StatusSkipped, Error: err.Error()}, err
	}
	return rec, runErr
}

// Exclusive runs fn while holding the execution slot. Everything fn does,
// job and hook alike, is one unit as far as overlap is concerned.
func (e *Executor) Exclusive(ctx context.Context, trigger Trigger, fn func(ctx context.Context)) error {
	release, err := e.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			e.record(activity.Event{
				Source:   activity.SourceScheduler,
				Severity: activity.SeverityNotice,
				Kind:     activity.KindFireSkip,
				Message:  fmt.Sprintf("%s run request dropped: %s", trigger, err),
				Fields: map[string]any{
					"trigger": string(trigger),
					"overlap": string(e.opts.Overlap),
				},
			})
		}
		return err
	}
	defer release()

	fn(ctx)
	return nil
}

// Launch runs def to completion without touching the execution slot. It
// records run.start and run.end events whatever the outcome.
func (e *Executor) Launch(ctx context.Context, def Definition, spec Spec) (RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return RunRecord{Kind: spec.Kind, Name: def.Name, Trigger: spec.Trigger, Status: StatusSkipped}, errors.WithStack(err)
	}

	rec := RunRecord{
		ID:        e.lastID.Add(1),
		Kind:      spec.Kind,
		Name:      def.Name,
		Trigger:   spec.Trigger,
		ParentID:  spec.ParentID,
		StartedAt: e.opts.Now(),
	}

	startFields := map[string]any{
		"name":    def.Name,
		"trigger": string(spec.Trigger),
		"command": strings.Join(def.Argv, " "),
	}
	if spec.ParentID != 0 {
		startFields["parent_run_id"] = spec.ParentID
	}
	e.record(activity.Event{
		Time:     rec.StartedAt,
		Source:   sourceOf(spec.Kind),
		Severity: activity.SeverityInfo,
		Kind:     activity.KindRunStart,
		RunID:    rec.ID,
		Message:  fmt.Sprintf("%s run %d started (%s)", spec.Kind, rec.ID, spec.Trigger),
		Fields:   startFields,
	})

	rec, err := e.execute(ctx, def, rec)
	e.recordEnd(rec, err)
	return rec, err
}

type stopReason int

const (
	stopNone stopReason = iota
	stopTimeout
	stopCanceled
)

func (e *Executor) execute(ctx context.Context, def Definition, rec RunRecord) (RunRecord, error) {
	if len(def.Argv) == 0 {
		return e.launchFailed(rec, errors.New("empty command"))
	}

	env, err := environ(def)
	if err != nil {
		return e.launchFailed(rec, err)
	}

	out := newOutputBuffer(def.OutputLimit)
	cmd := exec.Command(def.Argv[0], def.Argv[1:]...)
	cmd.Dir = def.Dir
	cmd.Env = env
	cmd.Stdout = out.Stdout()
	cmd.Stderr = out.Stderr()
	cmd.WaitDelay = e.opts.WaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return e.launchFailed(rec, err)
	}
	rec.PID = cmd.Process.Pid

	e.log.Debug("process started",
		logger.Field{Key: "run_id", Value: rec.ID},
		logger.Field{Key: "pid", Value: rec.PID},
		logger.Field{Key: "argv", Value: def.Argv},
	)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if def.Timeout > 0 {
		timer := time.NewTimer(def.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	reason := stopNone
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timeoutC:
		reason = stopTimeout
		waitErr = e.terminate(rec, cmd.Process.Pid, def.KillGrace, waitCh)
	case <-ctx.Done():
		reason = stopCanceled
		waitErr = e.terminate(rec, cmd.Process.Pid, def.KillGrace, waitCh)
	}

	rec.EndedAt = e.opts.Now()
	rec.ExitCode = exitCode(cmd.ProcessState)
	e.finishOutput(&rec, out)

	switch {
	case reason == stopTimeout:
		rec.Status = StatusTimedOut
		err = errors.Mark(errors.Newf("%s timed out after %s", rec.Kind, def.Timeout), errors.ErrTimedOut)
	case reason == stopCanceled:
		rec.Status = StatusFailed
		err = errors.Mark(errors.Wrapf(ctx.Err(), "%s terminated on shutdown", rec.Kind), errors.ErrRuntimeFailure)
	case rec.ExitCode == 0 && cmd.ProcessState != nil && cmd.ProcessState.Success():
		rec.Status = StatusSucceeded
		if waitErr != nil {
			e.log.Debug("output pipes still open after exit",
				logger.Field{Key: "run_id", Value: rec.ID},
				logger.Field{Key: "error", Value: waitErr.Error()},
			)
		}
		return rec, nil
	default:
		rec.Status = StatusFailed
		err = errors.Mark(errors.Newf("%s exited with code %d", rec.Kind, rec.ExitCode), errors.ErrRuntimeFailure)
	}
	rec.Error = err.Error()
	return rec, err
}

// terminate sends SIGTERM to the process group, then kills the whole tree
// if it is still alive after grace. Stragglers in the group are killed
// once the leader is gone.
func (e *Executor) terminate(rec RunRecord, pid int, grace time.Duration, waitCh <-chan error) error {
	fields := []logger.Field{
		{Key: "run_id", Value: rec.ID},
		{Key: "pid", Value: pid},
	}
	e.log.Info("terminating process group", fields...)
	if err := terminateGroup(pid); err != nil {
		e.log.Warn("SIGTERM failed", append(fields, logger.Field{Key: "error", Value: err.Error()})...)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		_ = killTree(pid)
		return err
	case <-timer.C:
	}

	e.log.Warn("process ignored SIGTERM, killing process tree",
		append(fields, logger.Field{Key: "grace", Value: grace.String()})...)
	if err := killTree(pid); err != nil {
		e.log.Error("SIGKILL failed", err, fields...)
	}
	return <-waitCh
}

func (e *Executor) finishOutput(rec *RunRecord, out *outputBuffer) {
	data := out.Bytes()
	rec.StdoutBytes, rec.StderrBytes, rec.Truncated = out.Counts()
	rec.OutputBytes = rec.StdoutBytes + rec.StderrBytes
	rec.Output = excerpt(data)

	if e.opts.OutputDir == "" {
		return
	}
	path := filepath.Join(e.opts.OutputDir, strconv.FormatUint(rec.ID, 10)+".log")
	if err := os.MkdirAll(e.opts.OutputDir, 0755); err != nil {
		e.log.Warn("failed to create run output directory",
			logger.Field{Key: "dir", Value: e.opts.OutputDir},
			logger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		e.log.Warn("failed to store run output",
			logger.Field{Key: "path", Value: path},
			logger.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	rec.OutputPath = path
}

func (e *Executor) launchFailed(rec RunRecord, cause error) (RunRecord, error) {
	err := errors.Mark(errors.Wrapf(cause, "launch %s", rec.Name), errors.ErrLaunch)
	rec.EndedAt = e.opts.Now()
	rec.Status = StatusLaunchFailed
	rec.ExitCode = -1
	rec.Error = err.Error()
	return rec, err
}

func (e *Executor) recordEnd(rec RunRecord, err error) {
	severity := activity.SeverityNotice
	msg := fmt.Sprintf("%s run %d succeeded in %s", rec.Kind, rec.ID, rec.Duration().Round(time.Millisecond))
	if err != nil {
		severity = activity.SeverityErr
		msg = fmt.Sprintf("%s run %d %s: %s", rec.Kind, rec.ID, rec.Status, rec.Error)
	}

	fields := map[string]any{
		"status":       string(rec.Status),
		"exit_code":    rec.ExitCode,
		"duration_ms":  rec.Duration().Milliseconds(),
		"trigger":      string(rec.Trigger),
		"output_bytes": rec.OutputBytes,
		"stdout_bytes": rec.StdoutBytes,
		"stderr_bytes": rec.StderrBytes,
	}
	if rec.Truncated {
		fields["truncated"] = true
	}
	if rec.OutputPath != "" {
		fields["output_path"] = rec.OutputPath
	}
	if rec.Output != "" {
		fields["output"] = rec.Output
	}
	if rec.ParentID != 0 {
		fields["parent_run_id"] = rec.ParentID
	}
	if err != nil {
		fields["error"] = rec.Error
		fields["error_kind"] = string(errors.Classify(err))
	}

	e.record(activity.Event{
		Time:     rec.EndedAt,
		Source:   sourceOf(rec.Kind),
		Severity: severity,
		Kind:     activity.KindRunEnd,
		RunID:    rec.ID,
		Message:  msg,
		Fields:   fields,
	})
}

// record appends to the activity log. Failures are logged, never returned:
// losing an event must not fail a run.
func (e *Executor) record(ev activity.Event) {
	if err := e.opts.Recorder.Append(ev); err != nil {
		e.log.Warn("failed to record activity event",
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

func sourceOf(k Kind) activity.Source {
	if k == KindHook {
		return activity.SourceHook
	}
	return activity.SourceJob
}
