package main

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/dnscheck"
	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
)

var (
	credName         string
	credHost         string
	credPort         int
	credUsername     string
	credPassword     string
	credFrom         string
	credFromName     string
	credTLSMode      string
	credDailyLimit   int
	credTimezone     string
	credDKIMDomain   string
	credDKIMSelector string
	credDKIMKeyFile  string
	credActiveOnly   bool
	credReason       string
)

var credentialCmd = &cobra.Command{
	Use:     "credential",
	Aliases: []string{"cred"},
	Short:   "Sending credential management commands",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an SMTP sending credential",
	RunE:  runCredentialAdd,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials with quota and health",
	RunE:  runCredentialList,
}

var credentialEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Re-activate a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCredentialActive(cmd, args[0], true)
	},
}

var credentialDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Deactivate a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCredentialActive(cmd, args[0], false)
	},
}

var credentialCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Check MX, SPF, DMARC and DKIM records for a credential's domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialCheck,
}

func init() {
	f := credentialAddCmd.Flags()
	f.StringVar(&credName, "name", "", "Display name (default from address)")
	f.StringVar(&credHost, "host", "", "SMTP host (required)")
	f.IntVar(&credPort, "port", 587, "SMTP port")
	f.StringVar(&credUsername, "username", "", "SMTP username")
	f.StringVar(&credPassword, "password", "", "SMTP password (will prompt if username is set and this is empty)")
	f.StringVar(&credFrom, "from", "", "From address (required)")
	f.StringVar(&credFromName, "from-name", "", "From display name")
	f.StringVar(&credTLSMode, "tls", models.TLSModeStartTLS, "TLS mode: starttls, tls or none")
	f.IntVar(&credDailyLimit, "daily-limit", 0, "Sends per local day (default from config)")
	f.StringVar(&credTimezone, "timezone", "", "IANA zone for the daily quota reset (default from config)")
	f.StringVar(&credDKIMDomain, "dkim-domain", "", "DKIM signing domain")
	f.StringVar(&credDKIMSelector, "dkim-selector", "", "DKIM selector")
	f.StringVar(&credDKIMKeyFile, "dkim-key", "", "DKIM private key file")
	credentialAddCmd.MarkFlagRequired("host")
	credentialAddCmd.MarkFlagRequired("from")

	credentialListCmd.Flags().BoolVar(&credActiveOnly, "active", false, "Only show active credentials")
	credentialDisableCmd.Flags().StringVar(&credReason, "reason", "disabled by operator", "Deactivation reason")

	credentialCmd.AddCommand(credentialAddCmd, credentialListCmd, credentialEnableCmd, credentialDisableCmd, credentialCheckCmd)
	rootCmd.AddCommand(credentialCmd)
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	from, ok := email.Normalize(credFrom)
	if !ok {
		return fmt.Errorf("invalid from address: %s", credFrom)
	}
	switch credTLSMode {
	case models.TLSModeStartTLS, models.TLSModeImplicit, models.TLSModeNone:
	default:
		return fmt.Errorf("invalid tls mode: %s (must be starttls, tls or none)", credTLSMode)
	}
	if credPort < 1 || credPort > 65535 {
		return fmt.Errorf("invalid port: %d", credPort)
	}

	limit := credDailyLimit
	if limit == 0 {
		limit = cfg.Credentials.DefaultDailyLimit
	}
	tz := credTimezone
	if tz == "" {
		tz = cfg.Credentials.DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	password := credPassword
	if password == "" && credUsername != "" {
		fmt.Fprint(cmd.OutOrStdout(), "SMTP password: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		password = string(pw)
	}

	c := &models.Credential{
		Name:         credName,
		Host:         credHost,
		Port:         credPort,
		Username:     credUsername,
		Password:     password,
		FromAddress:  from,
		FromName:     credFromName,
		TLSMode:      credTLSMode,
		DKIMDomain:   credDKIMDomain,
		DKIMSelector: credDKIMSelector,
		DKIMKeyFile:  credDKIMKeyFile,
		DailyLimit:   limit,
		Timezone:     tz,
	}
	if c.Name == "" {
		c.Name = from
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Credentials.Create(context.Background(), c); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Credential %d created: %s via %s:%d (%d/day, %s)\n",
		c.ID, c.FromAddress, c.Host, c.Port, c.DailyLimit, c.Timezone)
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	creds, err := store.Credentials.List(context.Background(), credActiveOnly)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No credentials")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFROM\tHOST\tSENT\tLIMIT\tSUCCESS\tACTIVE\tREASON")
	for _, c := range creds {
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%d\t%d\t%.0f%% of %d\t%t\t%s\n",
			c.ID, c.FromAddress, c.Host, c.Port, c.SentToday, c.DailyLimit,
			c.SuccessRate()*100, c.Attempts(), c.Active, c.DeactivationReason)
	}
	return w.Flush()
}

func setCredentialActive(cmd *cobra.Command, arg string, active bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid credential id: %s", arg)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	c, err := store.Credentials.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("credential %d not found", id)
	}

	reason := credReason
	if active {
		reason = ""
	}
	changed, err := store.Credentials.SetActive(ctx, id, active, reason, time.Now())
	if err != nil {
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Credential %d already %s\n", id, state)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential %d %s\n", id, state)
	return nil
}

func runCredentialCheck(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid credential id: %s", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	c, err := store.Credentials.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("credential %d not found", id)
	}

	var expected string
	signer, err := dkim.NewProvider(cfg.Credentials.KeyDir).ForCredential(c)
	if err != nil {
		return err
	}
	if signer != nil {
		if expected, err = signer.TXTRecord(); err != nil {
			return err
		}
	}

	report, err := dnscheck.New(nil).CheckCredential(ctx, c, expected)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DNS check for %s (credential %d)\n\n", report.Domain, report.CredentialID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tVALUE\tMESSAGE")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Status, truncate(r.Value, 60), r.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !report.Ready() {
		return fmt.Errorf("domain %s is not ready for sending", report.Domain)
	}
	return nil
}
