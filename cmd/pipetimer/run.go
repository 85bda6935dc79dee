package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/pipeline"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job (and hook) once in the foreground",
		Long: `Run the job once without the daemon, followed by the hook if the job
succeeded. The run is recorded in the activity log like any other run but
does not move the schedule.

Exits non-zero when the job or the hook failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			return runOnce(cmd, opts, output)
		},
	}
	return withOutputFlag(cmd, &output)
}

func runOnce(cmd *cobra.Command, opts *globalOptions, output string) error {
	e, err := opts.setup(true, logConfigured)
	if err != nil {
		return err
	}

	if pid, ok := ipc.RunningDaemon(e.ws); ok {
		return errors.WithHint(
			errors.Newf("the daemon is running for %s (pid %d)", e.ws.Path(), pid),
			"use `pipetimer trigger --wait` to run through it")
	}
	lock, err := e.lockWorkspace()
	if err != nil {
		return err
	}
	defer e.unlockWorkspace(lock)

	store, err := e.openStore("run-" + uuid.NewString())
	if err != nil {
		return err
	}
	defer e.closeStore(store)
	floor, err := e.runIDFloor(cmd.Context(), store)
	if err != nil {
		return err
	}

	states := e.stateStore()
	st, err := states.Load()
	if err != nil {
		e.log.Warn("ignoring unreadable schedule state", logger.Field{Key: "error", Value: err.Error()})
	}

	p, err := e.newPipeline(store, nil)
	if err != nil {
		return err
	}
	st.LastRunID = max(st.LastRunID, floor)
	p.SeedRunID(st.LastRunID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cyc, runErr := p.RunCycle(ctx, job.TriggerManual)

	// keep run ids unique across the daemon and foreground runs
	if issued := max(cyc.Job.ID, hookID(cyc)); issued > st.LastRunID {
		st.LastRunID = issued
		st.UpdatedAt = time.Now()
		if err := states.Save(st); err != nil {
			e.log.Warn("failed to save schedule state", logger.Field{Key: "error", Value: err.Error()})
		}
	}

	if output == formatText {
		if err := writeCycle(cmd.OutOrStdout(), cyc); err != nil {
			return err
		}
	} else if err := writeStructured(cmd.OutOrStdout(), output, cyc); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if cyc.Hook != nil && cyc.Hook.Ran() && !cyc.Hook.Succeeded() {
		return errors.Mark(errors.Newf("hook run %d %s", cyc.Hook.ID, cyc.Hook.Status), errors.ErrHookFailure)
	}
	return nil
}

func hookID(cyc pipeline.Cycle) uint64 {
	if cyc.Hook == nil {
		return 0
	}
	return cyc.Hook.ID
}

func writeCycle(w io.Writer, cyc pipeline.Cycle) error {
	records := []job.RunRecord{cyc.Job}
	if cyc.Hook != nil {
		records = append(records, *cyc.Hook)
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, runRow(rec))
	}
	if err := writeTable(w, []string{"KIND", "RUN", "STATUS", "EXIT", "DURATION", "OUTPUT", "LOG"}, rows); err != nil {
		return err
	}

	for _, rec := range records {
		if rec.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", rec.Kind, rec.Error)
		}
		if !rec.Succeeded() && rec.Output != "" {
			fmt.Fprintf(w, "--- %s output (tail) ---\n%s", rec.Kind, rec.Output)
			if rec.Output[len(rec.Output)-1] != '\n' {
				fmt.Fprintln(w)
			}
		}
	}
	return nil
}

func runRow(rec job.RunRecord) []string {
	id, exit, duration := "-", "-", "-"
	if rec.Ran() {
		id = strconv.FormatUint(rec.ID, 10)
		exit = strconv.Itoa(rec.ExitCode)
		duration = rec.Duration().Round(time.Millisecond).String()
	}
	out := "-"
	if rec.OutputBytes > 0 {
		out = fmt.Sprintf("%d B", rec.OutputBytes)
		if rec.Truncated {
			out += " (truncated)"
		}
	}
	return []string{string(rec.Kind), id, string(rec.Status), exit, duration, out, orDash(rec.OutputPath)}
}
