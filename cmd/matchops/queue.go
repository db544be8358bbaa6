package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync/queue"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the sync queue",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueStatsCommand(opts))
	cmd.AddCommand(newQueueCountCommand(opts, "retry", "Move failed operations back to pending",
		func(ctx context.Context, a *app) (int, error) { return a.engine.RetryFailed(ctx) }))
	cmd.AddCommand(newQueueCountCommand(opts, "discard", "Drop failed operations",
		func(ctx context.Context, a *app) (int, error) { return a.engine.DiscardFailed(ctx) }))
	cmd.AddCommand(newQueueCountCommand(opts, "clear", "Drop every queued operation",
		func(ctx context.Context, a *app) (int, error) { return a.engine.Clear(ctx) }))
	return cmd
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	var (
		status     string
		entityType string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := queue.Filter{Limit: limit}
			if status != "" {
				f.Status = models.OperationStatus(status)
				switch f.Status {
				case models.StatusPending, models.StatusInFlight, models.StatusFailed:
				default:
					return newExitError(exitUsage, fmt.Sprintf("unknown status %q", status))
				}
			}
			if entityType != "" {
				t, ok := models.ParseEntityType(entityType)
				if !ok {
					return newExitError(exitUsage, fmt.Sprintf("unknown entity type %q", entityType))
				}
				f.EntityType = t
			}

			return opts.withApp(cmd.Context(), func(a *app) error {
				ops, err := a.queue.List(cmd.Context(), f)
				if err != nil {
					return wrapExitError(exitFailure, "failed to read queue", err)
				}
				if ops == nil {
					ops = []*models.SyncOperation{}
				}
				out := cmd.OutOrStdout()
				return newPrinter(opts.Format, out).print(ops, func(w io.Writer) error {
					return renderQueue(w, ops, terminalWidth(out))
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only this status (pending|in_flight|failed)")
	cmd.Flags().StringVar(&entityType, "type", "", "only this entity type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	return cmd
}

func newQueueStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queued operations by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				stats, err := a.queue.GetStats(cmd.Context())
				if err != nil {
					return wrapExitError(exitFailure, "failed to read queue", err)
				}
				return newPrinter(opts.Format, cmd.OutOrStdout()).print(stats, func(w io.Writer) error {
					return renderStats(w, stats)
				})
			})
		},
	}
}

// newQueueCountCommand builds a maintenance command that reports how many
// entries it touched.
func newQueueCountCommand(opts *rootOptions, use, short string, fn func(context.Context, *app) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				n, err := fn(cmd.Context(), a)
				if err != nil {
					return wrapExitError(exitFailure, use+" failed", err)
				}
				body := map[string]int{"count": n}
				return newPrinter(opts.Format, cmd.OutOrStdout()).print(body, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%d operation(s) affected\n", n)
					return err
				})
			})
		},
	}
}
