package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/app"
	"github.com/foxzi/outreach/internal/credential"
	"github.com/foxzi/outreach/internal/dispatch"
)

// maxDrainTicks bounds tick --drain when every tick keeps finding work
const maxDrainTicks = 100

var (
	tickDrain bool
	tickJSON  bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch commands",
}

var dispatchTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one batch selection and enqueue send jobs",
	Long: `Run one dispatch tick: select eligible recipients within the remaining
credential quota and enqueue paced send jobs. Jobs are sent by a running
"outreach serve".`,
	RunE: runDispatchTick,
}

var dispatchSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate credentials whose success rate fell below the threshold",
	RunE:  runDispatchSweep,
}

func init() {
	dispatchTickCmd.Flags().BoolVar(&tickDrain, "drain", false, "Repeat ticks until nothing more is enqueued")
	dispatchTickCmd.Flags().BoolVar(&tickJSON, "json", false, "Print the tick summary as JSON")

	dispatchCmd.AddCommand(dispatchTickCmd, dispatchSweepCmd)
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatchTick(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	orch := application.Orchestrator()

	for i := 0; i < maxDrainTicks; i++ {
		summary, err := orch.Tick(ctx)
		if err != nil {
			return err
		}
		if err := printSummary(cmd, summary); err != nil {
			return err
		}
		if !tickDrain || summary.Enqueued == 0 || summary.StopReason != "" {
			return nil
		}
	}
	return nil
}

func printSummary(cmd *cobra.Command, s *dispatch.Summary) error {
	out := cmd.OutOrStdout()
	if tickJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(out, "Tick at %s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if s.StopReason != "" {
		fmt.Fprintf(out, "  Stopped: %s\n", s.StopReason)
	}
	if s.NextEligibleAt != nil {
		fmt.Fprintf(out, "  Next window: %s\n", s.NextEligibleAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(out, "  Capacity: %d, candidates: %d, enqueued: %d\n", s.Capacity, s.Candidates, s.Enqueued)

	reasons := make([]string, 0, len(s.Skipped))
	for r := range s.Skipped {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(out, "  Skipped %s: %d\n", r, s.Skipped[r])
	}
	return nil
}

func runDispatchSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := credential.NewPool(credential.Options{
		Store:           store.Credentials,
		MinSample:       cfg.Credentials.MinSample,
		HealthThreshold: cfg.Credentials.HealthThreshold,
		Logger:          cliLogger(),
	})

	ids, err := pool.SweepHealth(context.Background())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "All active credentials are healthy")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "Credential %d deactivated\n", id)
	}
	return nil
}
