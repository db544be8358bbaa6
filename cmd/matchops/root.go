package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matchops/localsync/internal/config"
	"github.com/matchops/localsync/internal/logging"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "text" | "json" | "yaml"
}

var validFormats = []string{"text", "json", "yaml"}

// newRootCommand creates the matchops command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "matchops",
		Short:         "MatchOps local-first sync daemon",
		Long:          "Runs and inspects the local-first sync subsystem: local entity store, durable sync queue and the engine that drains it to the remote store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return newExitError(exitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $MATCHOPS_HOME/matchops.toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

// loadConfig reads the configuration and installs the configured logger.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, wrapExitError(exitConfig, "failed to load configuration", err)
	}
	logging.Configure(cfg.LogOptions())
	return cfg, nil
}

// withApp loads configuration, opens the sync subsystem, runs fn and
// closes it again.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return wrapExitError(exitFailure, "failed to open sync subsystem", err)
	}
	defer a.Close()
	return fn(a)
}
