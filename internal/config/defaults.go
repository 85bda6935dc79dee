package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Default values.
const (
	DefaultWorkspace    = "~/.pipetimer"
	DefaultInterval     = 24 * time.Hour
	DefaultKillGrace    = 10 * time.Second
	DefaultOutputLimit  = 1 << 20
	DefaultOverlap      = "queue"
	DefaultMaxAge       = 30 * 24 * time.Hour
	DefaultMaxEvents    = 100000
	DefaultPruneEvery   = time.Hour
	DefaultTriggerEvery = 5 * time.Second
	DefaultNamespace    = "pipetimer"
)

// Default returns a configuration with every default applied, as if loaded
// from an empty file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, toml.MetaData{})
	return cfg
}

// applyDefaults fills unset values. md tells which keys were written
// explicitly, so that persistent = false survives and interval = "0s" is
// left for Validate to reject.
func applyDefaults(c *Config, md toml.MetaData) {
	if c.Workspace.Path == "" {
		c.Workspace.Path = DefaultWorkspace
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	if !md.IsDefined("schedule", "interval") {
		c.Schedule.Interval = D(DefaultInterval)
	}
	if !md.IsDefined("schedule", "persistent") {
		c.Schedule.Persistent = true
	}

	if c.Job.Name == "" {
		c.Job.Name = "job"
	}
	if c.Hook.Name == "" {
		c.Hook.Name = "hook"
	}
	for _, cmd := range []*CommandConfig{&c.Job, &c.Hook} {
		if cmd.KillGrace.Duration == 0 {
			cmd.KillGrace = D(DefaultKillGrace)
		}
		if cmd.OutputLimit == 0 {
			cmd.OutputLimit = DefaultOutputLimit
		}
	}
	if c.Job.Overlap == "" {
		c.Job.Overlap = DefaultOverlap
	}

	if !md.IsDefined("retention", "enabled") {
		c.Retention.Enabled = true
	}
	if c.Retention.MaxAge.Duration == 0 {
		c.Retention.MaxAge = D(DefaultMaxAge)
	}
	if c.Retention.MaxEvents == 0 {
		c.Retention.MaxEvents = DefaultMaxEvents
	}
	if !md.IsDefined("retention", "interval") {
		c.Retention.Interval = D(DefaultPruneEvery)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}

	if !md.IsDefined("ipc", "enabled") {
		c.IPC.Enabled = true
	}
	if c.IPC.TriggerEvery.Duration == 0 {
		c.IPC.TriggerEvery = D(DefaultTriggerEvery)
	}
	if c.IPC.TriggerBurst == 0 {
		c.IPC.TriggerBurst = 1
	}
}
