package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/queue"
)

var (
	queueListStatus string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Send queue commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List send jobs",
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List jobs in the dead letter queue",
	RunE:  runQueueDLQ,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Move a dead letter job back to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a dead letter job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, sending, deferred, done, skipped, failed)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of jobs to show")
	queueDLQCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of jobs to show")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueDLQCmd, queueRetryCmd, queueDeleteCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage (is outreach serve running? use the API instead): %w", err)
	}
	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.List(context.Background(), queue.ListFilter{
		Status: queue.JobStatus(queueListStatus),
		Limit:  queueListLimit,
	})
	if err != nil {
		return err
	}
	return printJobs(cmd, jobs, "Queue is empty")
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	stats, err := storage.Stats(ctx)
	if err != nil {
		return err
	}
	dlq, err := storage.DLQStats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queue Statistics:\n")
	fmt.Fprintf(out, "  Pending:  %d\n", stats.Pending)
	fmt.Fprintf(out, "  Sending:  %d\n", stats.Sending)
	fmt.Fprintf(out, "  Deferred: %d\n", stats.Deferred)
	fmt.Fprintf(out, "  Done:     %d\n", stats.Done)
	fmt.Fprintf(out, "  Skipped:  %d\n", stats.Skipped)
	fmt.Fprintf(out, "  Failed:   %d\n", stats.Failed)
	fmt.Fprintf(out, "  Total:    %d\n", stats.Total)
	fmt.Fprintf(out, "  DLQ:      %d\n", dlq.Total)
	return nil
}

func runQueueDLQ(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.ListDLQ(context.Background(), queueListLimit, 0)
	if err != nil {
		return err
	}
	return printJobs(cmd, jobs, "Dead letter queue is empty")
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.RetryFromDLQ(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved to pending queue\n", args[0])
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	job, err := storage.GetFromDLQ(ctx, args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found in DLQ", args[0])
	}
	if err := storage.DeleteFromDLQ(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
	return nil
}

func printJobs(cmd *cobra.Command, jobs []*queue.Job, empty string) error {
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), empty)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECIPIENT\tSTATUS\tATTEMPTS\tNOT BEFORE\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
			j.ID, j.RecipientID, j.Status, j.Attempts,
			j.NotBefore.Format("2006-01-02 15:04"), truncate(j.LastError, 60))
	}
	return w.Flush()
}
