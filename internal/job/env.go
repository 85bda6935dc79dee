package job

import (
	"os"
	"sort"
	"strings"

	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

// environ builds the child environment: the parent's (unless ClearEnv),
// then the environment file, then the explicit map. Later sources win.
func environ(def Definition) ([]string, error) {
	vars := make(map[string]string)
	if !def.ClearEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				vars[k] = v
			}
		}
	}

	if def.EnvironmentFile != "" {
		fileVars, err := config.ReadEnvFile(def.EnvironmentFile)
		if err != nil {
			return nil, errors.Wrap(err, "environment file")
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}

	for k, v := range def.Env {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
