package activity

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Severity ranks events from least to most severe. It follows syslog priorities
// with the numbering reversed, so that a higher value means more severe.
// The zero value means "unset" in filters.
type Severity int

const (
	SeverityDebug Severity = iota + 1
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityErr
	SeverityCrit
	SeverityAlert
	SeverityEmerg
)

var severityNames = map[Severity]string{
	SeverityDebug:   "debug",
	SeverityInfo:    "info",
	SeverityNotice:  "notice",
	SeverityWarning: "warning",
	SeverityErr:     "err",
	SeverityCrit:    "crit",
	SeverityAlert:   "alert",
	SeverityEmerg:   "emerg",
}

var severityAliases = map[string]Severity{
	"warn":      SeverityWarning,
	"error":     SeverityErr,
	"critical":  SeverityCrit,
	"emergency": SeverityEmerg,
	"panic":     SeverityEmerg,
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "severity(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the eight defined levels.
func (s Severity) Valid() bool {
	return s >= SeverityDebug && s <= SeverityEmerg
}

// Syslog returns the syslog priority number (0 = emerg, 7 = debug).
func (s Severity) Syslog() int {
	return int(SeverityEmerg - s)
}

// SlogLevel maps s onto the process logger levels.
func (s Severity) SlogLevel() slog.Level {
	switch {
	case s <= SeverityDebug:
		return slog.LevelDebug
	case s <= SeverityNotice:
		return slog.LevelInfo
	case s == SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity accepts a level name (debug..emerg, plus common aliases such
// as warn and error) or a syslog priority number 0-7.
func ParseSeverity(s string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	if sev, ok := severityAliases[name]; ok {
		return sev, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n >= 0 && n <= 7 {
		return SeverityEmerg - Severity(n), nil
	}
	return 0, fmt.Errorf("unknown severity %q (expected debug, info, notice, warning, err, crit, alert, emerg or 0-7)", s)
}

// ParseSeverityRange parses "LEVEL" (LEVEL and above) or "FROM..TO".
func ParseSeverityRange(s string) (min, max Severity, err error) {
	from, to, isRange := strings.Cut(s, "..")
	if !isRange {
		min, err = ParseSeverity(s)
		return min, 0, err
	}
	if from != "" {
		if min, err = ParseSeverity(from); err != nil {
			return 0, 0, err
		}
	}
	if to != "" {
		if max, err = ParseSeverity(to); err != nil {
			return 0, 0, err
		}
	}
	if min != 0 && max != 0 && min > max {
		return 0, 0, fmt.Errorf("empty severity range %q", s)
	}
	return min, max, nil
}
