// Package job runs external commands to completion: one at a time, with
// bounded output capture, an optional timeout with TERM/KILL escalation, and
// an activity event before and after every run.
package job

import (
	"time"

	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

// Kind tells job runs and hook runs apart.
type Kind string

const (
	KindJob  Kind = "job"
	KindHook Kind = "hook"
)

// Trigger records why a run was started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerCatchUp   Trigger = "catch-up"
	TriggerManual    Trigger = "manual"
)

// Overlap decides what happens to a run request while another run holds
// the executor.
type Overlap string

const (
	// OverlapQueue keeps at most one pending request.
	OverlapQueue Overlap = "queue"
	// OverlapSkip drops the request.
	OverlapSkip Overlap = "skip"
)

// Definition is an immutable command descriptor built from configuration.
type Definition struct {
	Name            string
	Argv            []string
	Dir             string
	Env             map[string]string
	EnvironmentFile string
	ClearEnv        bool
	// Timeout of 0 means no timeout.
	Timeout     time.Duration
	KillGrace   time.Duration
	OutputLimit int64
}

// FromConfig builds a Definition. The config is expected to be validated.
func FromConfig(c config.CommandConfig) (Definition, error) {
	argv, err := c.Argv()
	if err != nil {
		return Definition{}, errors.Mark(errors.Wrapf(err, "%s command", c.Name), errors.ErrConfig)
	}

	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}

	def := Definition{
		Name:            c.Name,
		Argv:            argv,
		Dir:             c.WorkingDir,
		Env:             env,
		EnvironmentFile: c.EnvironmentFile,
		ClearEnv:        c.ClearEnv,
		Timeout:         c.Timeout.Duration,
		KillGrace:       c.KillGrace.Duration,
		OutputLimit:     c.OutputLimit,
	}
	if def.KillGrace <= 0 {
		def.KillGrace = config.DefaultKillGrace
	}
	if def.OutputLimit <= 0 {
		def.OutputLimit = config.DefaultOutputLimit
	}
	return def, nil
}

// ParseOverlap maps a config value to an Overlap, defaulting to queue.
func ParseOverlap(s string) Overlap {
	if Overlap(s) == OverlapSkip {
		return OverlapSkip
	}
	return OverlapQueue
}
