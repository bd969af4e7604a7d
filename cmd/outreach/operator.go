package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "API operator management commands",
}

var operatorCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an operator and print its API token",
	Args:  cobra.ExactArgs(1),
	RunE:  runOperatorCreate,
}

var operatorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operators",
	RunE:  runOperatorList,
}

var operatorDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an operator, revoking its token",
	Args:  cobra.ExactArgs(1),
	RunE:  runOperatorDelete,
}

func init() {
	operatorCmd.AddCommand(operatorCreateCmd, operatorListCmd, operatorDeleteCmd)
	rootCmd.AddCommand(operatorCmd)
}

func runOperatorCreate(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	op, token, err := store.Operators.Create(context.Background(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Operator created: %s (%s)\n\n", op.Name, op.ID)
	fmt.Fprintf(out, "API token (shown once):\n  %s\n", token)
	return nil
}

func runOperatorList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ops, err := store.Operators.List(context.Background())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operators")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\n", op.ID, op.Name, op.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runOperatorDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Operators.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Operator %s deleted\n", args[0])
	return nil
}
