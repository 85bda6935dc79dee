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

const (
	sourceDaemon = "daemon"
	sourceFiles  = "files"
)

// statusView is what `pipetimer status` prints.
type statusView struct {
	Source    string     `json:"source" yaml:"source"`
	Running   bool       `json:"running" yaml:"running"`
	PID       int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	Instance  string     `json:"instance,omitempty" yaml:"instance,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Phase     string     `json:"phase,omitempty" yaml:"phase,omitempty"`
	Busy      bool       `json:"busy" yaml:"busy"`

	Interval   string `json:"interval" yaml:"interval"`
	Persistent bool   `json:"persistent" yaml:"persistent"`
	// NextFire is an estimate when Source is files.
	NextFire    *time.Time `json:"next_fire,omitempty" yaml:"next_fire,omitempty"`
	NextTrigger string     `json:"next_trigger,omitempty" yaml:"next_trigger,omitempty"`

	LastCompletion *time.Time      `json:"last_completion,omitempty" yaml:"last_completion,omitempty"`
	LastRunID      uint64          `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastStatus     string          `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastTrigger    string          `json:"last_trigger,omitempty" yaml:"last_trigger,omitempty"`
	LastRun        *activity.Event `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long: `Show the lifecycle phase, the last run and completion, and the next
fire time. The live daemon is asked over the control socket; when it is not
reachable the state file and activity log are read instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			e, err := opts.setup(false, logQuiet)
			if err != nil {
				return err
			}
			view, err := collectStatus(cmd.Context(), e, time.Now())
			if err != nil {
				return err
			}
			if output == formatText {
				return writeStatus(cmd.OutOrStdout(), view, time.Now())
			}
			return writeStructured(cmd.OutOrStdout(), output, view)
		},
	}
	return withOutputFlag(cmd, &output)
}

func collectStatus(ctx context.Context, e *env, now time.Time) (*statusView, error) {
	view := &statusView{
		Interval:   e.cfg.Schedule.Interval.String(),
		Persistent: e.cfg.Schedule.Persistent,
	}

	var st schedule.State
	if reply := askDaemon(ctx, e); reply != nil {
		view.Source = sourceDaemon
		view.Running = true
		view.PID = reply.PID
		view.Instance = reply.Instance
		view.StartedAt = &reply.StartedAt
		view.Phase = string(reply.Pipeline.Phase)
		view.Busy = reply.Pipeline.Busy
		view.NextFire = reply.Scheduler.NextFire
		view.NextTrigger = string(reply.Scheduler.NextTrigger)
		st = reply.Scheduler.State
	} else {
		view.Source = sourceFiles
		view.PID, view.Running = ipc.RunningDaemon(e.ws)
		if !view.Running {
			view.PID = 0
		}

		loaded, err := e.stateStore().Load()
		if err != nil {
			e.log.Warn("schedule state is unreadable", logger.Field{Key: "error", Value: err.Error()})
		}
		st = loaded
		plan := schedule.PlanStart(st, e.cfg.Schedule.Interval.Duration, e.cfg.Schedule.InitialDelay.Duration, e.cfg.Schedule.Persistent, now)
		view.NextFire = &plan.FireAt
		view.NextTrigger = string(plan.Trigger)
	}

	view.LastCompletion = st.LastCompletion
	view.LastRunID = st.LastRunID
	view.LastStatus = st.LastStatus
	view.LastTrigger = st.LastTrigger

	store, err := e.openStore("")
	if err != nil {
		return nil, err
	}
	defer store.Close()
	last, err := activity.Collect(store.Query(ctx, activity.Filter{
		Sources:    []activity.Source{activity.SourceJob},
		KindPrefix: activity.KindRunEnd,
		Tail:       1,
	}))
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		view.LastRun = &last[0]
	}
	return view, nil
}

// askDaemon returns nil when the daemon cannot be asked.
func askDaemon(ctx context.Context, e *env) *ipc.StatusReply {
	if !e.cfg.IPC.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ipcTimeout)
	defer cancel()
	reply, err := ipc.Status(ctx, e.ws.SocketPath())
	if err != nil {
		e.log.Debug("daemon status unavailable", logger.Field{Key: "error", Value: err.Error()})
		return nil
	}
	return reply
}

func writeStatus(w io.Writer, v *statusView, now time.Time) error {
	daemon := "not running"
	if v.Running {
		daemon = "running"
		if v.PID != 0 {
			daemon += " (pid " + strconv.Itoa(v.PID) + ")"
		}
	}

	next := formatTimePtr(v.NextFire)
	if v.NextFire != nil {
		next += " (" + formatRelative(*v.NextFire, now)
		if v.NextTrigger != "" {
			next += ", " + v.NextTrigger
		}
		if v.Source == sourceFiles {
			next += ", estimated"
		}
		next += ")"
	}

	lastRun := "-"
	if v.LastRun != nil {
		lastRun = v.LastRun.Message + " at " + formatTime(v.LastRun.Time)
	}

	phase := orDash(v.Phase)
	if v.Busy {
		phase += " (busy)"
	}

	pairs := [][2]string{
		{"Daemon", daemon},
		{"Phase", phase},
		{"Interval", v.Interval},
		{"Persistent", strconv.FormatBool(v.Persistent)},
		{"Next fire", next},
		{"Last completion", formatTimePtr(v.LastCompletion)},
		{"Last status", orDash(v.LastStatus)},
		{"Last run", lastRun},
	}
	if v.Instance != "" {
		pairs = append(pairs, [2]string{"Instance", v.Instance})
	}
	return writeKeyValues(w, pairs)
}
