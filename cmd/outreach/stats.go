package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/report"
)

var (
	statsSince time.Duration
	statsJSON  bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show send, review and quota statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().DurationVar(&statsSince, "since", 0, "Only count ledger records newer than this, e.g. 24h")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	var since *time.Time
	if statsSince > 0 {
		t := time.Now().Add(-statsSince)
		since = &t
	}

	rep, err := application.Reports().Build(context.Background(), since)
	if err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printReport(cmd, rep)
}

func printReport(cmd *cobra.Command, rep *report.Report) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Sends:\n")
	fmt.Fprintf(out, "  Sent: %d, delivered: %d, bounced: %d, failed: %d\n",
		rep.Ledger.Sent, rep.Ledger.Delivered, rep.Ledger.Bounced, rep.Ledger.Failed)
	fmt.Fprintf(out, "Recipients: new %d, contacted %d, bounced %d\n",
		rep.Recipients[models.RecipientNew], rep.Recipients[models.RecipientContacted], rep.Recipients[models.RecipientBounced])
	fmt.Fprintf(out, "Reviews: pending %d, approved %d, rejected %d\n",
		rep.Reviews[models.ReviewPending], rep.Reviews[models.ReviewApproved], rep.Reviews[models.ReviewRejected])
	fmt.Fprintf(out, "Queue: pending %d, deferred %d, sending %d, DLQ %d\n",
		rep.Queue.Pending, rep.Queue.Deferred, rep.Queue.Sending, rep.DLQ.Total)
	fmt.Fprintf(out, "Credentials: %d active, %d sends left today\n", rep.ActiveCredentials, rep.QuotaRemaining)

	if len(rep.ByCredential) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREDENTIAL\tSENT\tDELIVERED\tBOUNCED\tFAILED")
	for _, c := range rep.ByCredential {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", c.CredentialID, c.Sent, c.Delivered, c.Bounced, c.Failed)
	}
	return w.Flush()
}
