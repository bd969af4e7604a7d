package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/sandbox"
)

var (
	sandboxListTo         string
	sandboxListCredential int64
	sandboxListLimit      int
	sandboxClearDays      int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages held back by capture or redirect mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Print a captured message as sent",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().Int64Var(&sandboxListCredential, "credential", 0, "Filter by credential ID")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Only delete messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandbox opens the queue file and returns the sandbox store in it
func openSandbox() (*sandbox.Storage, *queue.BoltStorage, error) {
	storage, err := openQueueStorage()
	if err != nil {
		return nil, nil, err
	}
	sb, err := sandbox.NewStorage(storage.DB())
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return sb, storage, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	msgs, err := sb.List(context.Background(), sandbox.ListFilter{
		CredentialID: sandboxListCredential,
		To:           sandboxListTo,
		Limit:        sandboxListLimit,
	})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No captured messages")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPTURED\tMODE\tCREDENTIAL\tTO\tSUBJECT")
	for _, m := range msgs {
		to := m.To
		if m.OriginalTo != "" {
			to = m.OriginalTo + " -> " + m.To
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.CapturedAt.Format("2006-01-02 15:04:05"), m.Mode, m.CredentialID, to, truncate(m.Subject, 40))
	}
	return w.Flush()
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	msg, err := sb.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found", args[0])
	}

	_, err = cmd.OutOrStdout().Write(msg.Data)
	return err
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	var cutoff time.Time
	if sandboxClearDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -sandboxClearDays)
	}

	n, err := sb.Clear(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d message(s)\n", n)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := sb.Stats(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sandbox Statistics:\n")
	fmt.Fprintf(out, "  Total:    %d\n", stats.Total)
	fmt.Fprintf(out, "  Size:     %d bytes\n", stats.TotalSize)
	for mode, n := range stats.ByMode {
		fmt.Fprintf(out, "  %-9s %d\n", mode+":", n)
	}
	if stats.Total > 0 {
		fmt.Fprintf(out, "  Oldest:   %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Newest:   %s\n", stats.NewestAt.Format(time.RFC3339))
	}
	return nil
}
