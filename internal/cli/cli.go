// Package cli implements approvalctl, the operator tool for inspecting
// requests and draining the webhook dead-letter queue.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/store"
)

// Backend is what the commands operate on.
type Backend interface {
	History(ctx context.Context, id string) ([]models.StatusHistory, error)
	PendingForActor(ctx context.Context, actor string, f store.RequestFilter) ([]models.Request, error)
	DeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	Replay(ctx context.Context, outboxID string) (models.OutboxRecord, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	Sweep(ctx context.Context) (int, error)
}

// Opener connects to the backend; the returned func releases it.
type Opener func(ctx context.Context) (Backend, func(), error)

// RootCmd builds the approvalctl command tree.
func RootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "approvalctl",
		Short: "Operate the approval workflow engine",
		Long: `approvalctl inspects approval requests and manages webhook delivery.

Examples:
  approvalctl pending alice --status PENDING --limit 20
  approvalctl history 3f1c...
  approvalctl outbox dead-letters
  approvalctl outbox replay 9a7e...
  approvalctl outbox dlq --count 5
  approvalctl sweep
  approvalctl workflows validate workflows.yaml`,
		SilenceUsage: true,
	}

	root.AddCommand(pendingCmd(open))
	root.AddCommand(historyCmd(open))
	root.AddCommand(outboxCmd(open))
	root.AddCommand(sweepCmd(open))
	root.AddCommand(workflowsCmd())
	return root
}

func withBackend(cmd *cobra.Command, open Opener, fn func(context.Context, Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, b)
}

func pendingCmd(open Opener) *cobra.Command {
	var f store.RequestFilter
	var statuses, types []string
	cmd := &cobra.Command{
		Use:   "pending [actor]",
		Short: "List requests awaiting an actor's decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Statuses, f.Types = statuses, types
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				reqs, err := b.PendingForActor(ctx, args[0], f.Normalize())
				if err != nil {
					return fmt.Errorf("list pending: %w", err)
				}
				printRequests(cmd.OutOrStdout(), reqs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (PENDING matches every level)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by request type")
	cmd.Flags().StringVar(&f.SortBy, "sort", "created_at", "Sort by created_at, status or type")
	cmd.Flags().StringVar(&f.SortOrder, "order", "desc", "Sort order (asc, desc)")
	cmd.Flags().IntVar(&f.Limit, "limit", 10, "Page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Page offset")
	return cmd
}

func historyCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "history [request-id]",
		Short: "Show the status history of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				hist, err := b.History(ctx, args[0])
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tEVENT\tFROM\tTO\tLEVEL\tROUND\tACTOR")
				for _, h := range hist {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						h.RecordedAt.Format(time.RFC3339), h.Event, h.FromStatus,
						statusColor(h.ToStatus), h.Level, h.Round, h.Actor)
				}
				return w.Flush()
			})
		},
	}
}

func outboxCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay webhook deliveries",
	}

	var limit int
	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered webhook deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				recs, err := b.DeadLetters(ctx, limit)
				if err != nil {
					return fmt.Errorf("list dead letters: %w", err)
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREQUEST\tEVENT\tENDPOINT\tATTEMPTS\tLAST ERROR")
				for _, r := range recs {
					lastErr := ""
					if r.LastError != nil {
						lastErr = *r.LastError
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.ID, r.RequestID, r.EventType, r.Endpoint, r.Attempts, color.RedString(lastErr))
				}
				return w.Flush()
			})
		},
	}
	deadLetters.Flags().IntVar(&limit, "limit", 50, "Maximum records to list")

	replay := &cobra.Command{
		Use:   "replay [outbox-id]",
		Short: "Re-queue a dead-lettered delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				rec, err := b.Replay(ctx, args[0])
				if err != nil {
					return fmt.Errorf("replay %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (replay %d, attempts so far %d)\n",
					color.GreenString("requeued"), rec.ID, rec.ReplayCount, rec.Attempts)
				return nil
			})
		},
	}

	var count int64
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Show outbox IDs on the Redis dead-letter list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				ids, err := b.DLQPeek(ctx, count)
				if err != nil {
					return fmt.Errorf("peek dlq: %w", err)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	dlq.Flags().Int64Var(&count, "count", 20, "Number of IDs to show")

	cmd.AddCommand(deadLetters, replay, dlq)
	return cmd
}

func sweepCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one SLA escalation sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				n, err := b.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "escalated %d level(s)\n", n)
				return nil
			})
		},
	}
}

func workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Workflow definition tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a workflows YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadWorkflows(args[0])
			if err != nil {
				return err
			}
			for _, typ := range reg.Types() {
				wf, _ := reg.Snapshot(typ)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s, %d level(s), %d endpoint(s)\n",
					color.GreenString("ok"), typ, wf.Strategy, len(wf.Levels), len(wf.Endpoints))
			}
			return nil
		},
	})
	return cmd
}

func printRequests(out io.Writer, reqs []models.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(out, "No requests found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED BY\tVERSION\tSLA")
	for _, r := range reqs {
		sla := "-"
		if r.SLADeadline != nil {
			sla = r.SLADeadline.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Type, statusColor(r.Status), r.CreatedBy, r.Version, sla)
	}
	_ = w.Flush()
}

func statusColor(s models.Status) string {
	switch {
	case s == models.StatusApproved:
		return color.GreenString(string(s))
	case s == models.StatusRejected, s == models.StatusCancelled:
		return color.RedString(string(s))
	case s.IsPending():
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
