package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reunia/facematch/internal/database"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the review queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job and match counts per lifecycle bucket",
	RunE:  runQueueStatus,
}

var (
	queuePendingLimit  int
	queuePendingOffset int
)

var queuePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List jobs awaiting review, priority first then oldest first",
	RunE:  runQueuePending,
}

var (
	resolveReviewer string
	resolveNotes    string
	resolveDuration int
)

var queueResolveCmd = &cobra.Command{
	Use:   "resolve <match-id> <approve|reject|escalate>",
	Short: "Resolve a pending match from the command line",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueResolve,
}

var reconcileMaxAge time.Duration

var queueReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-enqueue pending matches that lost their review job",
	Long: `Find matches stuck in pending without a review job (a crash between
persist and enqueue leaves them orphaned) and re-enqueue them. Safe to
run repeatedly: enqueue is idempotent on the match ID.`,
	RunE: runQueueReconcile,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queuePendingCmd)
	queueCmd.AddCommand(queueResolveCmd)
	queueCmd.AddCommand(queueReconcileCmd)

	queuePendingCmd.Flags().IntVar(&queuePendingLimit, "limit", 50, "Maximum jobs to list")
	queuePendingCmd.Flags().IntVar(&queuePendingOffset, "offset", 0, "Offset into the list")

	queueResolveCmd.Flags().StringVar(&resolveReviewer, "reviewer", "", "Reviewer identifier (required)")
	queueResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "Review notes (required for reject)")
	queueResolveCmd.Flags().IntVar(&resolveDuration, "duration", 0, "Review duration in seconds")
	_ = queueResolveCmd.MarkFlagRequired("reviewer")

	queueReconcileCmd.Flags().DurationVar(&reconcileMaxAge, "max-age", 10*time.Minute, "Only re-enqueue matches older than this")
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	s, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	counts, err := s.queue.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("Review jobs:")
	fmt.Printf("  pending:    %d\n", counts.JobsPending)
	fmt.Printf("  delivering: %d\n", counts.JobsDelivering)
	fmt.Printf("  delivered:  %d\n", counts.JobsDelivered)
	fmt.Printf("  failed:     %d\n", counts.JobsFailed)
	fmt.Println("Matches:")
	fmt.Printf("  pending:    %d\n", counts.Pending)
	fmt.Printf("  approved:   %d\n", counts.Approved)
	fmt.Printf("  rejected:   %d\n", counts.Rejected)
	fmt.Printf("  escalated:  %d\n", counts.Escalated)
	return nil
}

func runQueuePending(cmd *cobra.Command, args []string) error {
	s, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := s.queue.ListPending(cmd.Context(), queuePendingLimit, queuePendingOffset)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No pending reviews.")
		return nil
	}

	for _, job := range jobs {
		claimed := "-"
		if job.ClaimedBy != "" {
			claimed = job.ClaimedBy
		}
		fmt.Printf("%s  priority=%-6s state=%-10s attempts=%d claimed=%s enqueued=%s\n",
			job.MatchID, job.Priority, job.State, job.Attempts, claimed,
			job.EnqueuedAt.Format(time.RFC3339))
	}
	return nil
}

func runQueueResolve(cmd *cobra.Command, args []string) error {
	action, err := database.ParseReviewAction(args[1])
	if err != nil {
		return err
	}

	s, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.queue.Resolve(cmd.Context(), args[0], resolveReviewer, action, resolveNotes, resolveDuration); err != nil {
		return err
	}
	fmt.Printf("Match %s resolved: %s\n", args[0], action.Status())
	return nil
}

func runQueueReconcile(cmd *cobra.Command, args []string) error {
	s, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	recreated, err := s.queue.Reconcile(cmd.Context(), reconcileMaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Re-enqueued %d orphaned match(es).\n", recreated)
	return nil
}
