package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/job"
)

func newTriggerCmd(opts *globalOptions) *cobra.Command {
	var (
		wait   bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask the daemon to fire the job now",
		Long: `Ask the running daemon to fire the job now. The manual fire goes through
the same pipeline as a scheduled one and reschedules the next fire from its
completion. Without --wait the command returns as soon as the daemon accepted
the request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			e, err := opts.setup(false, logQuiet)
			if err != nil {
				return err
			}
			if !e.cfg.IPC.Enabled {
				return errors.Mark(errors.WithHint(
					errors.New("the control socket is disabled"),
					"set ipc.enabled = true, or use `pipetimer run`"), errors.ErrConfig)
			}

			ctx := cmd.Context()
			if !wait {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ipcTimeout)
				defer cancel()
			}
			reply, err := ipc.Trigger(ctx, e.ws.SocketPath(), wait)
			if errors.Is(err, ipc.ErrUnavailable) {
				return errors.WithHint(errors.Wrap(err, "the daemon is not running"),
					"start it with `pipetimer serve`, or use `pipetimer run`")
			}
			if err != nil {
				return err
			}

			if output != formatText {
				if err := writeStructured(cmd.OutOrStdout(), output, reply); err != nil {
					return err
				}
			} else if err := writeTrigger(cmd.OutOrStdout(), reply); err != nil {
				return err
			}
			return triggerError(reply)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run (and hook) to finish")
	return withOutputFlag(cmd, &output)
}

func writeTrigger(w io.Writer, r *ipc.TriggerReply) error {
	switch {
	case r.Error != "":
		_, err := fmt.Fprintf(w, "trigger failed: %s\n", r.Error)
		return err
	case !r.Completed || r.Outcome == nil:
		_, err := fmt.Fprintln(w, "trigger accepted")
		return err
	}

	o := r.Outcome
	if _, err := fmt.Fprintf(w, "job run %d %s at %s\n", o.RunID, o.Status, formatTime(o.CompletedAt)); err != nil {
		return err
	}
	if o.HookRunID != 0 {
		if _, err := fmt.Fprintf(w, "hook run %d %s\n", o.HookRunID, o.HookStatus); err != nil {
			return err
		}
	}
	return nil
}

// triggerError turns a failed waited run into the command's exit status.
func triggerError(r *ipc.TriggerReply) error {
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if r.Outcome == nil {
		return nil
	}
	if r.Outcome.Status != job.StatusSucceeded {
		return errors.Mark(errors.Newf("job run %d %s", r.Outcome.RunID, r.Outcome.Status), errors.ErrRuntimeFailure)
	}
	if r.Outcome.HookRunID != 0 && r.Outcome.HookStatus != job.StatusSucceeded {
		return errors.Mark(errors.Newf("hook run %d %s", r.Outcome.HookRunID, r.Outcome.HookStatus), errors.ErrHookFailure)
	}
	return nil
}
