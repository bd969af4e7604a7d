package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/repository"
)

var (
	importReviewRequired bool
	importUnqualified    bool
)

var recipientCmd = &cobra.Command{
	Use:   "recipient",
	Short: "Recipient commands",
}

var recipientImportCmd = &cobra.Command{
	Use:   "import <file.csv|->",
	Short: "Import recipients from CSV",
	Long: `Import recipients from a CSV file with a header row. Recognized columns:
email (required), name, site_id, site_domain, priority, review_required,
qualified, validated, valid. The site defaults to the address domain.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecipientImport,
}

func init() {
	recipientImportCmd.Flags().BoolVar(&importReviewRequired, "review-required", false, "Require review for sites without a review_required column")
	recipientImportCmd.Flags().BoolVar(&importUnqualified, "unqualified", false, "Mark sites unqualified unless the row says otherwise")

	recipientCmd.AddCommand(recipientImportCmd)
	rootCmd.AddCommand(recipientCmd)
}

func runRecipientImport(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open CSV: %w", err)
		}
		defer f.Close()
		in = f
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.Recipients.ImportCSV(context.Background(), in, repository.ImportOptions{
		ReviewRequired: importReviewRequired,
		Unqualified:    importUnqualified,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rows: %d, created: %d, skipped: %d\n", result.Total, result.Created, result.Skipped)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return nil
}
