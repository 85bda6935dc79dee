package config

import (
	"maps"
	"slices"
	"strings"
)

var secretMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL"}

// Masked returns a copy of c with env values that look like secrets masked.
// Used by `config show`.
func (c *Config) Masked() *Config {
	out := *c
	out.Job = maskCommand(c.Job)
	out.Hook = maskCommand(c.Hook)
	return &out
}

func maskCommand(cmd CommandConfig) CommandConfig {
	cmd.Args = slices.Clone(cmd.Args)
	if cmd.Env == nil {
		return cmd
	}
	env := maps.Clone(cmd.Env)
	for k, v := range env {
		if looksSecret(k) {
			env[k] = maskSecret(v)
		}
	}
	cmd.Env = env
	return cmd
}

func looksSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// maskSecret keeps the first and last 4 characters of a secret.
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) < 8 {
		return "***"
	}

	prefix := secret[:4]
	suffix := secret[len(secret)-4:]
	masked := strings.Repeat("*", len(secret)-8)

	return prefix + masked + suffix
}
