package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/template"
)

var (
	tmplID       string
	tmplName     string
	tmplSubject  string
	tmplHTMLFile string
	tmplTextFile string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Message template commands",
}

var templateSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or replace a template",
	RunE:  runTemplateSave,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplateList,
}

func init() {
	f := templateSaveCmd.Flags()
	f.StringVar(&tmplID, "id", "", "Template ID (generated when empty)")
	f.StringVar(&tmplName, "name", "", "Template name (required)")
	f.StringVar(&tmplSubject, "subject", "", "Subject template (required)")
	f.StringVar(&tmplHTMLFile, "html", "", "HTML body template file")
	f.StringVar(&tmplTextFile, "text", "", "Plain text body template file")
	templateSaveCmd.MarkFlagRequired("name")
	templateSaveCmd.MarkFlagRequired("subject")

	templateCmd.AddCommand(templateSaveCmd, templateListCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateSave(cmd *cobra.Command, args []string) error {
	tmpl := &models.Template{ID: tmplID, Name: tmplName, Subject: tmplSubject}

	if tmplHTMLFile != "" {
		data, err := os.ReadFile(tmplHTMLFile)
		if err != nil {
			return fmt.Errorf("failed to read HTML template: %w", err)
		}
		tmpl.HTML = string(data)
	}
	if tmplTextFile != "" {
		data, err := os.ReadFile(tmplTextFile)
		if err != nil {
			return fmt.Errorf("failed to read text template: %w", err)
		}
		tmpl.Text = string(data)
	}

	if err := template.NewEngine().Validate(tmpl); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Templates.Save(context.Background(), tmpl); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Template saved: %s (%s)\n", tmpl.Name, tmpl.ID)
	return nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	templates, err := store.Templates.List(context.Background())
	if err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No templates")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSUBJECT\tUPDATED")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, truncate(t.Subject, 50), t.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
