package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"
)

var validate = validator.New()

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, &ValidationError{
					Field:   fieldPath(fe.Namespace()),
					Message: fmt.Sprintf("%s: failed %q check (value: %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()),
				})
			}
		} else {
			errs = append(errs, err)
		}
	}

	if err := validatePath(c.Workspace.Path, "workspace.path"); err != nil {
		errs = append(errs, err)
	}

	if c.Schedule.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("schedule.interval must be positive (got %s)", c.Schedule.Interval))
	}
	if c.Schedule.InitialDelay.Duration < 0 {
		errs = append(errs, fmt.Errorf("schedule.initial_delay cannot be negative"))
	}

	if !c.Job.Configured() {
		errs = append(errs, fmt.Errorf("job.command is required"))
	} else {
		errs = append(errs, validateCommand(c.Job, "job")...)
	}
	if c.Hook.Configured() {
		errs = append(errs, validateCommand(c.Hook, "hook")...)
	}

	if c.Retention.Enabled && c.Retention.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("retention.interval must be positive when retention is enabled"))
	}
	if c.Retention.MaxAge.Duration < 0 {
		errs = append(errs, fmt.Errorf("retention.max_age cannot be negative"))
	}

	if c.IPC.TriggerEvery.Duration < 0 {
		errs = append(errs, fmt.Errorf("ipc.trigger_every cannot be negative"))
	}

	return errs
}

func validateCommand(cmd CommandConfig, section string) []error {
	var errs []error

	if _, err := cmd.Argv(); err != nil {
		errs = append(errs, fmt.Errorf("%s.command: %w", section, err))
	}
	if cmd.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout cannot be negative", section))
	}
	if cmd.KillGrace.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%s.kill_grace must be positive", section))
	}
	if cmd.WorkingDir != "" {
		info, err := os.Stat(cmd.WorkingDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.working_dir: %w", section, err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s.working_dir is not a directory: %s", section, cmd.WorkingDir))
		}
	}
	if cmd.EnvironmentFile != "" {
		if _, err := ReadEnvFile(cmd.EnvironmentFile); err != nil {
			errs = append(errs, fmt.Errorf("%s.environment_file: %w", section, err))
		}
	}
	for k := range cmd.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("%s.env contains invalid variable name %q", section, k))
		}
	}

	return errs
}

// Argv returns the command line as an argument vector. When Args is set,
// Command is the executable; otherwise Command is split with shell quoting rules.
func (c CommandConfig) Argv() ([]string, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("command is empty")
	}
	if len(c.Args) > 0 {
		return append([]string{c.Command}, c.Args...), nil
	}
	argv, err := shellquote.Split(c.Command)
	if err != nil {
		return nil, fmt.Errorf("cannot split %q: %w", c.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return argv, nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if strings.HasPrefix(path, "~") {
		return nil
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}

	return nil
}

// fieldPath turns a validator namespace (Config.Logging.Level) into the
// TOML key (logging.level).
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidationError is a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationErrors collects every problem Validate found.
type ValidationErrors struct {
	Errors []error
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual problems to errors.Is/As.
func (e *ValidationErrors) Unwrap() []error {
	return e.Errors
}
