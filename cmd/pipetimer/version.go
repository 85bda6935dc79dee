package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/version"
)

func newVersionCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  `Display the version, build time, git commit and Go version of pipetimer.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			info := version.Get()
			if output != formatText {
				return writeStructured(cmd.OutOrStdout(), output, info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "pipetimer - periodic job runner")
			fmt.Fprintf(w, "Version: %s\n", info.Version)
			fmt.Fprintf(w, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(w, "Git Commit: %s\n", info.GitCommit)
			fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
			return nil
		},
	}
	return withOutputFlag(cmd, &output)
}
