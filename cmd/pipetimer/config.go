package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
)

const formatTOML = "toml"

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Validate and inspect the pipetimer configuration.`,
	}
	cmd.AddCommand(newConfigValidateCmd(opts), newConfigShowCmd(opts))
	return cmd
}

func newConfigValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate configuration file",
		Long: `Validate the configuration file and report every problem found.
Exits with status 2 when the configuration is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.LoadEnvOptional(opts.envFile); err != nil {
				return errors.Mark(errors.Wrapf(err, "load %s", opts.envFile), errors.ErrConfig)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "load %s", path), errors.ErrConfig)
			}
			if problems := cfg.Validate(); len(problems) > 0 {
				for _, p := range problems {
					pterm.Fprintln(cmd.ErrOrStderr(), pterm.Red("✗ ")+p.Error())
				}
				return errors.Mark(errors.Newf("%s: %d validation errors", path, len(problems)), errors.ErrConfig)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return err
		},
	}
}

func newConfigShowCmd(opts *globalOptions) *cobra.Command {
	output := formatTOML

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, environment overrides and
${VAR} expansion. Environment values that look like secrets are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			masked := cfg.Masked()
			switch output {
			case formatTOML:
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(masked)
			case formatJSON, formatYAML:
				return writeStructured(cmd.OutOrStdout(), output, masked)
			default:
				return errors.Mark(errors.Newf("unknown output format %q (expected toml, json or yaml)", output), errors.ErrConfig)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTOML, "Output format: toml, json or yaml")
	return cmd
}
