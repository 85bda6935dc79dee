package main

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

// pastFire is one recorded job start.
type pastFire struct {
	Time    time.Time `json:"time" yaml:"time"`
	RunID   uint64    `json:"run_id" yaml:"run_id"`
	Trigger string    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

type timersView struct {
	Source   string      `json:"source" yaml:"source"`
	Interval string      `json:"interval" yaml:"interval"`
	Upcoming []time.Time `json:"upcoming" yaml:"upcoming"`
	Past     []pastFire  `json:"past" yaml:"past"`
}

func newTimersCmd(opts *globalOptions) *cobra.Command {
	var (
		next   int
		past   int
		output string
	)

	cmd := &cobra.Command{
		Use:   "timers",
		Short: "List upcoming and past fire times",
		Long: `List the next fire times and the most recent job starts. Upcoming
times assume every run completes instantly; each real run pushes the
following fires back by its duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			e, err := opts.setup(false, logQuiet)
			if err != nil {
				return err
			}
			view, err := collectTimers(cmd.Context(), e, next, past, time.Now())
			if err != nil {
				return err
			}
			if output == formatText {
				return writeTimers(cmd.OutOrStdout(), view, time.Now())
			}
			return writeStructured(cmd.OutOrStdout(), output, view)
		},
	}
	cmd.Flags().IntVarP(&next, "next", "n", 5, "Number of upcoming fire times")
	cmd.Flags().IntVar(&past, "past", 10, "Number of past fire times")
	return withOutputFlag(cmd, &output)
}

func collectTimers(ctx context.Context, e *env, next, past int, now time.Time) (*timersView, error) {
	view := &timersView{Interval: e.cfg.Schedule.Interval.String()}

	if upcoming := daemonTimers(ctx, e, next); upcoming != nil {
		view.Source = sourceDaemon
		view.Upcoming = upcoming
	} else if next > 0 {
		view.Source = sourceFiles
		st, err := e.stateStore().Load()
		if err != nil {
			e.log.Warn("schedule state is unreadable", logger.Field{Key: "error", Value: err.Error()})
		}
		plan := schedule.PlanStart(st, e.cfg.Schedule.Interval.Duration, e.cfg.Schedule.InitialDelay.Duration, e.cfg.Schedule.Persistent, now)
		sched := schedule.IntervalSchedule{Interval: e.cfg.Schedule.Interval.Duration}
		view.Upcoming = append([]time.Time{plan.FireAt}, sched.Upcoming(plan.FireAt, next-1)...)
	}

	if past > 0 {
		store, err := e.openStore("")
		if err != nil {
			return nil, err
		}
		defer store.Close()
		starts, err := activity.Collect(store.Query(ctx, activity.Filter{
			Sources:    []activity.Source{activity.SourceJob},
			KindPrefix: activity.KindRunStart,
			Tail:       past,
		}))
		if err != nil {
			return nil, err
		}
		for _, ev := range starts {
			trigger, _ := ev.Fields["trigger"].(string)
			view.Past = append(view.Past, pastFire{Time: ev.Time, RunID: ev.RunID, Trigger: trigger})
		}
	}
	return view, nil
}

func daemonTimers(ctx context.Context, e *env, n int) []time.Time {
	if !e.cfg.IPC.Enabled || n <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ipcTimeout)
	defer cancel()
	times, err := ipc.Timers(ctx, e.ws.SocketPath(), n)
	if err != nil {
		e.log.Debug("daemon timers unavailable", logger.Field{Key: "error", Value: err.Error()})
		return nil
	}
	return times
}

func writeTimers(w io.Writer, v *timersView, now time.Time) error {
	rows := make([][]string, 0, len(v.Upcoming)+len(v.Past))
	for _, p := range v.Past {
		rows = append(rows, []string{"past", formatTime(p.Time), formatRelative(p.Time, now), strconv.FormatUint(p.RunID, 10), orDash(p.Trigger)})
	}
	for _, t := range v.Upcoming {
		rows = append(rows, []string{"next", formatTime(t), formatRelative(t, now), "-", "-"})
	}
	return writeTable(w, []string{"WHEN", "TIME", "RELATIVE", "RUN", "TRIGGER"}, rows)
}
