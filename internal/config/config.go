package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Load reads the TOML file at path, applies defaults, expands ${VAR} references
// and applies PIPETIMER_* environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(doc, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	applyDefaults(&cfg, md)

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := expandEnvVars(&cfg); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate is Load followed by Validate, with all validation problems
// joined into one error.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &ValidationErrors{Errors: errs}
	}
	return cfg, nil
}

// expandEnvVars expands ${VAR:default} references and ~ in path-like fields.
func expandEnvVars(c *Config) error {
	c.Workspace.Path = expandHome(expandEnv(c.Workspace.Path))
	c.Logging.Output = expandHome(expandEnv(c.Logging.Output))

	for _, cmd := range []*CommandConfig{&c.Job, &c.Hook} {
		cmd.Command = expandEnv(cmd.Command)
		cmd.WorkingDir = expandHome(expandEnv(cmd.WorkingDir))
		cmd.EnvironmentFile = expandHome(expandEnv(cmd.EnvironmentFile))
		for i, a := range cmd.Args {
			cmd.Args[i] = expandEnv(a)
		}
		for k, v := range cmd.Env {
			cmd.Env[k] = expandEnv(v)
		}
	}

	return nil
}

// expandEnv expands a value of the form ${VAR} or ${VAR:default}.
// Anything else is returned unchanged.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	rest := s[end+1:]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val + rest
		}
		return parts[1] + rest
	}

	return os.Getenv(content) + rest
}

// expandHome expands a leading ~/ in path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
