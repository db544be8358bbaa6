package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/matchops/localsync/internal/models"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue contents and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				a.probe(cmd.Context())
				a.engine.Refresh(cmd.Context())

				stats, err := a.engine.Stats(cmd.Context())
				if err != nil {
					return wrapExitError(exitFailure, "failed to read queue", err)
				}
				view := statusView{
					StatusSnapshot: a.engine.Status(),
					Engine:         a.engine.State(),
					Queue:          stats,
					Remote:         a.cfg.Remote.Kind,
					DataDir:        a.cfg.DataDir,
				}
				return newPrinter(opts.Format, cmd.OutOrStdout()).print(view, func(w io.Writer) error {
					return renderStatus(w, view)
				})
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long:  "Checks connectivity, then drains the queue to the remote store once. A pass is skipped when the remote is unreachable.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return opts.withApp(ctx, func(a *app) error {
				a.probe(ctx)
				result, err := a.engine.SyncNow(ctx)
				if err != nil {
					return wrapExitError(exitFailure, "sync pass failed", err)
				}
				if err := newPrinter(opts.Format, cmd.OutOrStdout()).print(result, func(w io.Writer) error {
					return renderPass(w, result)
				}); err != nil {
					return err
				}
				if result.Permanent > 0 {
					return newExitError(exitFailure, "some operations failed permanently")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long (0 waits indefinitely)")
	return cmd
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recent conflict resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return newExitError(exitUsage, "--limit must be positive")
			}
			return opts.withApp(cmd.Context(), func(a *app) error {
				logs, err := a.repo.ListConflictLogs(cmd.Context(), limit)
				if err != nil {
					return wrapExitError(exitFailure, "failed to read conflict log", err)
				}
				if logs == nil {
					logs = []*models.ConflictLog{}
				}
				return newPrinter(opts.Format, cmd.OutOrStdout()).print(logs, func(w io.Writer) error {
					return renderConflicts(w, logs)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	return cmd
}
