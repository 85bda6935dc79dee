package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return errors.Mark(errors.Newf("unknown output format %q (expected text, json or yaml)", format), errors.ErrConfig)
	}
}

// withOutputFlag adds the -o/--output flag shared by reporting commands.
func withOutputFlag(cmd *cobra.Command, output *string) *cobra.Command {
	cmd.Flags().StringVarP(output, "output", "o", formatText, "Output format: text, json or yaml")
	return cmd
}

// writeStructured writes v as indented JSON or as a YAML document.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Newf("format %q is not structured", format)
	}
}

// writeTable renders rows with a header line.
func writeTable(w io.Writer, header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// writeKeyValues renders label/value pairs as a two column table.
func writeKeyValues(w io.Writer, pairs [][2]string) error {
	data := make(pterm.TableData, 0, len(pairs))
	for _, p := range pairs {
		data = append(data, []string{pterm.Bold.Sprint(p[0]), p[1]})
	}
	out, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatRelative(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := t.Sub(now).Round(time.Second)
	switch {
	case d > 0:
		return "in " + d.String()
	case d < 0:
		return (-d).String() + " ago"
	default:
		return "now"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatEvent renders one activity event as a log line.
func formatEvent(ev activity.Event, color bool) string {
	var b strings.Builder
	b.WriteString(ev.Time.Local().Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(string(ev.Source))
	if ev.RunID != 0 {
		fmt.Fprintf(&b, "[%d]", ev.RunID)
	}
	fmt.Fprintf(&b, " %-7s %s: %s", ev.Severity.String(), ev.Kind, ev.Message)

	line := b.String()
	if !color {
		return line
	}
	switch {
	case ev.Severity >= activity.SeverityErr:
		return pterm.Red(line)
	case ev.Severity == activity.SeverityWarning:
		return pterm.Yellow(line)
	case ev.Severity == activity.SeverityNotice:
		return pterm.Green(line)
	case ev.Severity == activity.SeverityDebug:
		return pterm.Gray(line)
	default:
		return line
	}
}
