// Package dnscheck checks that a sending credential's domain publishes the
// records receivers look at before accepting cold mail.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

var (
	ErrInvalidDomain = errors.New("invalid domain name")

	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Resolver is the subset of net.Resolver used by the checks
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CheckResult is the outcome of one record check
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report collects the checks for one credential
type Report struct {
	CredentialID int64         `json:"credential_id"`
	Domain       string        `json:"domain"`
	Results      []CheckResult `json:"results"`
}

// Ready reports whether no check ended in error or not_found
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Status == StatusError || res.Status == StatusNotFound {
			return false
		}
	}
	return true
}

// ValidateDomain checks domain name syntax
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// Checker runs DNS checks against a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver means net.DefaultResolver.
func New(r Resolver) *Checker {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Checker{resolver: r}
}

// CheckCredential checks the from-address domain of c. expectedDKIM is the
// TXT value derived from the credential's key; when empty the DKIM record
// is only checked for presence, and it is skipped when c has no selector.
func (c *Checker) CheckCredential(ctx context.Context, cred *models.Credential, expectedDKIM string) (*Report, error) {
	domain := email.ExtractDomain(cred.FromAddress)
	if err := ValidateDomain(domain); err != nil {
		return nil, fmt.Errorf("credential %d: %w", cred.ID, err)
	}

	report := &Report{CredentialID: cred.ID, Domain: domain}
	report.Results = append(report.Results,
		c.CheckMX(ctx, domain),
		c.CheckSPF(ctx, domain),
		c.CheckDMARC(ctx, domain),
	)

	if cred.DKIMSelector != "" {
		dkimDomain := cred.DKIMDomain
		if dkimDomain == "" {
			dkimDomain = domain
		}
		if !selectorRegex.MatchString(cred.DKIMSelector) {
			return nil, fmt.Errorf("credential %d: invalid DKIM selector %q", cred.ID, cred.DKIMSelector)
		}
		report.Results = append(report.Results, c.CheckDKIM(ctx, dkimDomain, cred.DKIMSelector, expectedDKIM))
	}

	return report, nil
}

// CheckMX checks that the domain can receive replies and bounces
func (c *Checker) CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "MX"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return lookupFailure(result, err, "no MX records, replies and bounces cannot be received")
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "no MX records, replies and bounces cannot be received"
		return result
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, fmt.Sprintf("%s (%d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(hosts, ", ")
	return result
}

// CheckSPF checks for an SPF policy on the domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF"}

	txts, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return lookupFailure(result, err, "no SPF record")
	}

	for _, txt := range txts {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "+all authorizes any sender"
		case strings.Contains(txt, "?all"):
			result.Status = StatusWarning
			result.Message = "?all gives receivers no policy"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "no SPF record"
	return result
}

// CheckDMARC checks for a DMARC policy on the domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC"}

	txts, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailure(result, err, "no DMARC record")
	}

	record := strings.Join(txts, "")
	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusNotFound
		result.Value = record
		result.Message = "no DMARC record"
		return result
	}

	result.Status = StatusOK
	result.Value = record
	if strings.Contains(record, "p=none") {
		result.Status = StatusWarning
		result.Message = "p=none only monitors"
	}
	return result
}

// CheckDKIM checks the selector record and, when expected is set, that it
// carries the same public key
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	name := selector + "._domainkey." + domain
	result := CheckResult{Type: "DKIM " + name}

	txts, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		return lookupFailure(result, err, "no DKIM record for selector "+selector)
	}

	record := strings.Join(txts, "")
	published := tagValue(record, "p")
	if !strings.Contains(record, "v=DKIM1") || published == "" {
		result.Status = StatusError
		result.Value = truncate(record, 100)
		result.Message = "record has no DKIM public key"
		return result
	}

	result.Value = truncate(record, 100)
	if expected != "" && tagValue(expected, "p") != published {
		result.Status = StatusError
		result.Message = "published key does not match the credential's key file"
		return result
	}
	result.Status = StatusOK
	return result
}

func lookupFailure(result CheckResult, err error, notFound string) CheckResult {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		result.Status = StatusNotFound
		result.Message = notFound
		return result
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("lookup failed: %v", err)
	return result
}

// tagValue extracts a tag from a "k=v; k=v" record with whitespace removed
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
