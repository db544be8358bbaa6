package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/matchops/localsync/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or show the configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(opts))
	cmd.AddCommand(newConfigShowCommand(opts))
	return cmd
}

func newConfigInitCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.Write(path, config.Default(), force); err != nil {
				return wrapExitError(exitConfig, "failed to write configuration", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after defaults, the config file and MATCHOPS_* environment overrides are applied. Credentials are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return wrapExitError(exitConfig, "failed to load configuration", err)
			}
			shown := cfg.Redacted()
			return newPrinter(opts.Format, cmd.OutOrStdout()).print(config.Settings(shown), func(w io.Writer) error {
				data, err := config.Encode(shown)
				if err != nil {
					return err
				}
				if cfg.Path() != "" {
					fmt.Fprintf(w, "# loaded from %s\n", cfg.Path())
				}
				_, err = w.Write(data)
				return err
			})
		},
	}
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version": version,
				"go":      runtime.Version(),
				"os":      runtime.GOOS + "/" + runtime.GOARCH,
			}
			return newPrinter(opts.Format, cmd.OutOrStdout()).print(info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "matchops %s (%s, %s)\n", info["version"], info["go"], info["os"])
				return err
			})
		},
	}
}
