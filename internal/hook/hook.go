// Package hook runs the post-success command after a job that exited 0.
package hook

import (
	"context"
	"fmt"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

// Launcher starts a command outside the job's execution slot.
type Launcher interface {
	Launch(ctx context.Context, def job.Definition, spec job.Spec) (job.RunRecord, error)
}

// Runner invokes the hook for successful job runs.
type Runner struct {
	def      *job.Definition
	launcher Launcher
	recorder activity.Recorder
	log      *logger.Logger
}

// New creates a Runner. A nil def means no hook is configured.
func New(def *job.Definition, launcher Launcher, recorder activity.Recorder, log *logger.Logger) *Runner {
	if recorder == nil {
		recorder = activity.Discard
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{def: def, launcher: launcher, recorder: recorder, log: log}
}

// Configured reports whether a hook command is set.
func (r *Runner) Configured() bool {
	return r.def != nil
}

// RunIfSuccessful runs the hook when prev succeeded. ran is false when the
// hook was skipped or is not configured. A failed hook is returned with an
// error marked ErrHookFailure; it never changes prev.
func (r *Runner) RunIfSuccessful(ctx context.Context, prev job.RunRecord) (job.RunRecord, bool, error) {
	if r.def == nil {
		return job.RunRecord{}, false, nil
	}

	if !prev.Succeeded() {
		r.skip(prev)
		return job.RunRecord{
			Kind:     job.KindHook,
			Name:     r.def.Name,
			Trigger:  prev.Trigger,
			ParentID: prev.ID,
			Status:   job.StatusSkipped,
		}, false, nil
	}

	rec, err := r.launcher.Launch(ctx, *r.def, job.Spec{
		Kind:     job.KindHook,
		Trigger:  prev.Trigger,
		ParentID: prev.ID,
	})
	if err != nil {
		r.log.Warn("hook failed",
			logger.Field{Key: "run_id", Value: rec.ID},
			logger.Field{Key: "parent_run_id", Value: prev.ID},
			logger.Field{Key: "status", Value: string(rec.Status)},
		)
		return rec, true, errors.Mark(err, errors.ErrHookFailure)
	}
	return rec, true, nil
}

func (r *Runner) skip(prev job.RunRecord) {
	ev := activity.Event{
		Source:   activity.SourceHook,
		Severity: activity.SeverityDebug,
		Kind:     activity.KindHookSkip,
		RunID:    prev.ID,
		Message:  fmt.Sprintf("hook skipped: job run %d %s", prev.ID, prev.Status),
		Fields: map[string]any{
			"job_status": string(prev.Status),
			"exit_code":  prev.ExitCode,
		},
	}
	if err := r.recorder.Append(ev); err != nil {
		r.log.Warn("failed to record activity event",
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}
