// Package config provides configuration loading and validation for pipetimer.
// It supports TOML configuration files with environment variable expansion,
// environment overrides, default values, and validation.
//
// Configuration structure:
//   - [workspace]: State directory (state file, activity log, pid, socket, run output)
//   - [logging]: Logging level, format, and output
//   - [schedule]: Interval, initial delay, persistent catch-up
//   - [job]: The recurring command
//   - [hook]: The command run after a successful job (optional)
//   - [retention]: Activity log pruning
//   - [metrics]: Optional HTTP listener for /metrics, /healthz, /status
//   - [ipc]: Control socket and manual trigger rate
//
// Environment variables:
// Values can reference ${VAR} or ${VAR:default}. For example:
// working_dir = "${DATA_DIR:/srv/fetch}"
//
// Any field with an env tag can also be overridden with a PIPETIMER_ prefixed
// variable, e.g. PIPETIMER_SCHEDULE_INTERVAL=12h.
package config

import (
	"fmt"
	"time"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "PIPETIMER_"

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace" yaml:"workspace" json:"workspace" envPrefix:"WORKSPACE_"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" json:"logging" envPrefix:"LOG_"`
	Schedule  ScheduleConfig  `toml:"schedule" yaml:"schedule" json:"schedule" envPrefix:"SCHEDULE_"`
	Job       CommandConfig   `toml:"job" yaml:"job" json:"job" envPrefix:"JOB_"`
	Hook      CommandConfig   `toml:"hook" yaml:"hook" json:"hook" envPrefix:"HOOK_"`
	Retention RetentionConfig `toml:"retention" yaml:"retention" json:"retention" envPrefix:"RETENTION_"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	IPC       IPCConfig       `toml:"ipc" yaml:"ipc" json:"ipc" envPrefix:"IPC_"`
}

// WorkspaceConfig holds the state directory location.
type WorkspaceConfig struct {
	Path string `toml:"path" yaml:"path" json:"path" env:"PATH" validate:"required"`
}

// LoggingConfig holds process log settings.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level" env:"LEVEL" validate:"required,oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" json:"format" env:"FORMAT" validate:"required,oneof=json text"`
	Output string `toml:"output" yaml:"output" json:"output" env:"OUTPUT" validate:"required"`
}

// ScheduleConfig describes when the job fires.
type ScheduleConfig struct {
	Interval     Duration `toml:"interval" yaml:"interval" json:"interval" env:"INTERVAL"`
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay" json:"initial_delay" env:"INITIAL_DELAY"`
	// Persistent runs one catch-up after downtime instead of skipping missed fires.
	Persistent bool `toml:"persistent" yaml:"persistent" json:"persistent" env:"PERSISTENT"`
}

// CommandConfig describes an external command. Used for both the job and the hook.
type CommandConfig struct {
	Name string `toml:"name" yaml:"name" json:"name" env:"NAME"`
	// Command is either a full command line split with shell quoting rules,
	// or just the executable when Args is set.
	Command         string            `toml:"command" yaml:"command" json:"command" env:"COMMAND"`
	Args            []string          `toml:"args" yaml:"args,omitempty" json:"args,omitempty"`
	WorkingDir      string            `toml:"working_dir" yaml:"working_dir,omitempty" json:"working_dir,omitempty" env:"WORKING_DIR"`
	Env             map[string]string `toml:"env" yaml:"env,omitempty" json:"env,omitempty"`
	EnvironmentFile string            `toml:"environment_file" yaml:"environment_file,omitempty" json:"environment_file,omitempty" env:"ENVIRONMENT_FILE"`
	ClearEnv        bool              `toml:"clear_env" yaml:"clear_env" json:"clear_env" env:"CLEAR_ENV"`
	Timeout         Duration          `toml:"timeout" yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	KillGrace       Duration          `toml:"kill_grace" yaml:"kill_grace" json:"kill_grace" env:"KILL_GRACE"`
	OutputLimit     int64             `toml:"output_limit" yaml:"output_limit" json:"output_limit" env:"OUTPUT_LIMIT" validate:"gte=0"`
	// Overlap is only meaningful for the job: queue or skip.
	Overlap string `toml:"overlap" yaml:"overlap,omitempty" json:"overlap,omitempty" env:"OVERLAP" validate:"omitempty,oneof=queue skip"`
}

// Configured reports whether a command is set.
func (c CommandConfig) Configured() bool {
	return c.Command != ""
}

// RetentionConfig controls activity log pruning.
type RetentionConfig struct {
	Enabled   bool     `toml:"enabled" yaml:"enabled" json:"enabled" env:"ENABLED"`
	MaxAge    Duration `toml:"max_age" yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	MaxEvents int      `toml:"max_events" yaml:"max_events" json:"max_events" env:"MAX_EVENTS" validate:"gte=0"`
	Interval  Duration `toml:"interval" yaml:"interval" json:"interval" env:"INTERVAL"`
}

// MetricsConfig controls the optional status HTTP listener. Empty Listen disables it.
type MetricsConfig struct {
	Listen    string `toml:"listen" yaml:"listen,omitempty" json:"listen,omitempty" env:"LISTEN" validate:"omitempty,hostname_port"`
	Namespace string `toml:"namespace" yaml:"namespace" json:"namespace" env:"NAMESPACE" validate:"required"`
}

// IPCConfig controls the control socket.
type IPCConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled" env:"ENABLED"`
	// TriggerEvery is the minimum spacing between accepted manual triggers.
	TriggerEvery Duration `toml:"trigger_every" yaml:"trigger_every" json:"trigger_every" env:"TRIGGER_EVERY"`
	TriggerBurst int      `toml:"trigger_burst" yaml:"trigger_burst" json:"trigger_burst" env:"TRIGGER_BURST" validate:"gte=1"`
}

// Duration is a time.Duration written as a Go duration string ("24h", "90s").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
