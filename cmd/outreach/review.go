package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/review"
)

var (
	reviewStatus   string
	reviewLimit    int
	reviewReviewer string
	reviewNotes    string
	reviewShow     bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review queue commands",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE:  runReviewList,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve pending review items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewDecide(cmd, args, true)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <id>...",
	Short: "Reject pending review items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewDecide(cmd, args, false)
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewStatus, "status", "pending", "Filter by status (pending, approved, rejected, or empty for all)")
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "Maximum number of items to show")
	reviewListCmd.Flags().BoolVar(&reviewShow, "show", false, "Print the rendered message text")

	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd} {
		c.Flags().StringVar(&reviewReviewer, "reviewer", "cli", "Reviewer recorded on the decision")
		c.Flags().StringVar(&reviewNotes, "notes", "", "Decision notes")
	}

	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runReviewList(cmd *cobra.Command, args []string) error {
	filter := models.ReviewFilter{Limit: reviewLimit}
	if reviewStatus != "" {
		st, err := models.ParseReviewStatus(reviewStatus)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.Reviews.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No review items")
		return nil
	}

	out := cmd.OutOrStdout()
	if reviewShow {
		for _, item := range items {
			fmt.Fprintf(out, "=== %s  recipient %d  site %s  [%s]\n", item.ID, item.RecipientID, item.SiteID, item.Status)
			fmt.Fprintf(out, "Subject: %s\n\n%s\n\n", item.Subject, item.Text)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECIPIENT\tSITE\tTEMPLATE\tSTATUS\tCREATED\tSUBJECT")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.RecipientID, item.SiteID, item.TemplateID, item.Status,
			item.CreatedAt.Format("2006-01-02 15:04"), truncate(item.Subject, 50))
	}
	return w.Flush()
}

func runReviewDecide(cmd *cobra.Command, ids []string, approve bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	gate := review.NewGate(store.Reviews, time.Now, cliLogger())
	ctx := context.Background()

	var results []review.Result
	if approve {
		results = gate.BulkApprove(ctx, ids, reviewReviewer, reviewNotes)
	} else {
		results = gate.BulkReject(ctx, ids, reviewReviewer, reviewNotes)
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(out, "%s: %s\n", r.ID, r.Error)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", r.ID, r.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d decisions failed", failed, len(results))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
