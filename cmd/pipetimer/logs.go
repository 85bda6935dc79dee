package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

type logsOptions struct {
	since    string
	until    string
	sources  []string
	priority string
	grep     string
	kind     string
	run      uint64
	lines    int
	follow   bool
	output   string
	noColor  bool
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	lo := &logsOptions{}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the activity log",
		Long: `Query the activity log of the scheduler, the job and the hook.

Times accept RFC 3339, "2006-01-02 15:04[:05]", "2006-01-02", "today",
"yesterday", "now" or a duration meaning that long ago ("90m", "2h").
Priorities are syslog levels (debug, info, notice, warning, err, crit,
alert, emerg or 7-0); a single level selects it and everything more
severe, "FROM..TO" selects a range.`,
		Example: `  pipetimer logs -n 20
  pipetimer logs --source job --priority warning --since 1d
  pipetimer logs --run 42 -o json
  pipetimer logs --grep 'exit(ed)? .* code [1-9]' --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(lo.output); err != nil {
				return err
			}
			filter, err := lo.filter(time.Now())
			if err != nil {
				return errors.Mark(err, errors.ErrConfig)
			}
			e, err := opts.setup(false, logQuiet)
			if err != nil {
				return err
			}
			store, err := e.openStore("")
			if err != nil {
				return err
			}
			defer store.Close()

			w := newEventWriter(cmd.OutOrStdout(), lo.output, !lo.noColor && lo.output == formatText)
			defer w.Close()

			if !lo.follow {
				for ev, err := range store.Query(cmd.Context(), filter) {
					if err != nil {
						return err
					}
					if err := w.Write(ev); err != nil {
						return err
					}
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			events, err := store.Follow(ctx, filter)
			if err != nil {
				return err
			}
			for ev := range events {
				if err := w.Write(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&lo.since, "since", "", "Show events at or after this time")
	flags.StringVar(&lo.until, "until", "", "Show events before this time")
	flags.StringSliceVar(&lo.sources, "source", nil, "Only these sources: scheduler, job, hook (repeatable)")
	flags.StringVarP(&lo.priority, "priority", "p", "", "Severity level or range, e.g. warning or info..err")
	flags.StringVarP(&lo.grep, "grep", "g", "", "RE2 pattern matched against the message")
	flags.StringVar(&lo.kind, "kind", "", "Event kind prefix, e.g. run. or fire")
	flags.Uint64Var(&lo.run, "run", 0, "Only events of this run id")
	flags.IntVarP(&lo.lines, "lines", "n", 0, "Show only the last N matching events")
	flags.BoolVarP(&lo.follow, "follow", "f", false, "Keep printing new events")
	flags.BoolVar(&lo.noColor, "no-color", false, "Disable colored text output")
	withOutputFlag(cmd, &lo.output)
	return cmd
}

func (lo *logsOptions) filter(now time.Time) (activity.Filter, error) {
	f := activity.Filter{
		Grep:       lo.grep,
		KindPrefix: lo.kind,
		RunID:      lo.run,
		Tail:       lo.lines,
	}

	var err error
	if f.Since, err = parseTimeFlag(lo.since, now); err != nil {
		return f, errors.Wrap(err, "--since")
	}
	if f.Until, err = parseTimeFlag(lo.until, now); err != nil {
		return f, errors.Wrap(err, "--until")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, errors.New("--since must be before --until")
	}

	for _, raw := range lo.sources {
		for _, name := range strings.Split(raw, ",") {
			src := activity.Source(strings.TrimSpace(name))
			switch src {
			case activity.SourceScheduler, activity.SourceJob, activity.SourceHook:
				f.Sources = append(f.Sources, src)
			default:
				return f, errors.Newf("--source: unknown source %q (expected scheduler, job or hook)", name)
			}
		}
	}

	if lo.priority != "" {
		if f.MinSeverity, f.MaxSeverity, err = activity.ParseSeverityRange(lo.priority); err != nil {
			return f, errors.Wrap(err, "--priority")
		}
	}
	if lo.lines < 0 {
		return f, errors.New("--lines cannot be negative")
	}
	return f, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimeFlag parses an absolute or relative time. The empty string is
// the zero time.
func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch strings.ToLower(s) {
	case "":
		return time.Time{}, nil
	case "now":
		return now, nil
	case "today":
		return midnight, nil
	case "yesterday":
		return midnight.AddDate(0, 0, -1), nil
	}

	if d, err := parseAgo(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("cannot parse time %q", s)
}

// parseAgo accepts Go durations plus a day suffix ("2d").
func parseAgo(s string) (time.Duration, error) {
	s = strings.TrimPrefix(s, "-")
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n < 0 || fmt.Sprint(n) != days {
			return 0, errors.Newf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Newf("negative duration %q", s)
	}
	return d, nil
}

// eventWriter prints events in one of the output formats. JSON is one
// object per line so that --follow output can be piped.
type eventWriter struct {
	w       io.Writer
	format  string
	color   bool
	jsonEnc *json.Encoder
	yamlEnc *yaml.Encoder
}

func newEventWriter(w io.Writer, format string, color bool) *eventWriter {
	ew := &eventWriter{w: w, format: format, color: color}
	switch format {
	case formatJSON:
		ew.jsonEnc = json.NewEncoder(w)
	case formatYAML:
		ew.yamlEnc = yaml.NewEncoder(w)
		ew.yamlEnc.SetIndent(2)
	}
	return ew
}

func (ew *eventWriter) Write(ev activity.Event) error {
	switch ew.format {
	case formatJSON:
		return ew.jsonEnc.Encode(ev)
	case formatYAML:
		return ew.yamlEnc.Encode(ev)
	default:
		_, err := fmt.Fprintln(ew.w, formatEvent(ev, ew.color))
		return err
	}
}

func (ew *eventWriter) Close() error {
	if ew.yamlEnc != nil {
		return ew.yamlEnc.Close()
	}
	return nil
}
