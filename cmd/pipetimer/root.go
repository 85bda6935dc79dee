package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.toml"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "pipetimer",
		Short: "pipetimer - periodic job runner with a post-success hook",
		Long: `pipetimer runs a job on a fixed interval measured from the previous
completion, runs a hook after every successful job, and keeps a queryable
activity log of everything it did.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("PIPETIMER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = defaultConfigPath
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfig, "Path to configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Optional .env file loaded before the configuration")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newTimersCmd(opts),
		newLogsCmd(opts),
		newTriggerCmd(opts),
		newPruneCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
