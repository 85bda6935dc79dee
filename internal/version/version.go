package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info is the build information as a value, for JSON/YAML output.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

func Get() Info {
	return Info{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: GoVersion,
	}
}

func FormatStartupMessage() string {
	return fmt.Sprintf("pipetimer %s (built %s, commit %s)", Version, BuildTime, GitCommit)
}
