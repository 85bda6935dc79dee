package main

import (
	"context"
	"os"

	"github.com/pterm/pterm"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/version"
)

var (
	Version   string = "0.1.0-dev"
	BuildTime string = "unknown"
	GitCommit string = "unknown"
	GoVersion string = ""
)

func init() {
	version.SetInfo(Version, BuildTime, GitCommit, GoVersion)
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		pterm.Error.Println(err.Error())
		if hints := errors.FlattenHints(err); hints != "" {
			pterm.Info.Println(hints)
		}
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process exit status. Configuration
// problems exit with 2 so that service managers can tell them apart.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errors.ErrConfig):
		return 2
	default:
		return 1
	}
}
