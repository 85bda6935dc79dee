package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/cleanup"
	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

func newPruneCmd(opts *globalOptions) *cobra.Command {
	var (
		maxAge    config.Duration
		maxEvents int
		output    string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to the activity log now",
		Long: `Delete activity events and run output files older than the retention
max_age, and the oldest events beyond max_events. Flags override the
configured thresholds for this invocation; a zero value disables one.`,
		Example: `  pipetimer prune
  pipetimer prune --max-age 168h --max-events 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			if maxEvents < 0 {
				return errors.Mark(errors.New("--max-events cannot be negative"), errors.ErrConfig)
			}
			e, err := opts.setup(false, logQuiet)
			if err != nil {
				return err
			}

			cfg := e.cleanupConfig()
			if cmd.Flags().Changed("max-age") {
				cfg.Retention.MaxAge = maxAge.Duration
			}
			if cmd.Flags().Changed("max-events") {
				cfg.Retention.MaxEvents = maxEvents
			}

			store, err := e.openStore("")
			if err != nil {
				return err
			}
			defer e.closeStore(store)

			stats, err := cleanup.NewScheduler(store, cfg, store, e.log).Trigger(cmd.Context())
			if err != nil {
				return err
			}
			if output != formatText {
				return writeStructured(cmd.OutOrStdout(), output, stats)
			}
			return writePrune(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().Var(&durationFlag{&maxAge}, "max-age", "Override retention.max_age (e.g. 720h)")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "Override retention.max_events")
	return withOutputFlag(cmd, &output)
}

// durationFlag adapts config.Duration to pflag.Value.
type durationFlag struct{ d *config.Duration }

func (f *durationFlag) String() string {
	if f.d == nil {
		return ""
	}
	return f.d.String()
}

func (f *durationFlag) Set(s string) error {
	return f.d.UnmarshalText([]byte(s))
}

func (f *durationFlag) Type() string { return "duration" }

func writePrune(w io.Writer, s activity.PruneStats) error {
	if s.Total() == 0 && s.OutputFiles == 0 {
		_, err := fmt.Fprintln(w, "nothing to prune")
		return err
	}
	_, err := fmt.Fprintf(w, "pruned %d events (%d by age, %d by count) and %d output files\n",
		s.Total(), s.ByAge, s.ByCount, s.OutputFiles)
	return err
}
