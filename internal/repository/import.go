package repository

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
)

// ImportOptions are site defaults for rows that do not set them
type ImportOptions struct {
	ReviewRequired bool
	Unqualified    bool
}

// ImportResult summarizes a CSV import
type ImportResult struct {
	Total   int      `json:"total"`
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type importColumns struct {
	email, name, siteID, domain, priority, review, qualified, validated, valid int
}

// ImportCSV creates recipients and their sites from CSV with a header row.
// Only the email column is required; the site defaults to the address
// domain. Existing addresses are skipped.
func (r *RecipientRepository) ImportCSV(ctx context.Context, reader io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := importColumns{-1, -1, -1, -1, -1, -1, -1, -1, -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "email", "e-mail", "email_address":
			cols.email = i
		case "name", "full_name", "fullname":
			cols.name = i
		case "site_id", "site":
			cols.siteID = i
		case "domain", "site_domain":
			cols.domain = i
		case "priority":
			cols.priority = i
		case "review_required", "review":
			cols.review = i
		case "qualified":
			cols.qualified = i
		case "validated":
			cols.validated = i
		case "valid":
			cols.valid = i
		}
	}
	if cols.email == -1 {
		return nil, fmt.Errorf("email column not found in CSV")
	}

	sites := make(map[string]bool)

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		result.Total++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", result.Total, err))
			result.Skipped++
			continue
		}

		site, rc, err := cols.parse(record, opts)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", result.Total, err))
			result.Skipped++
			continue
		}

		existing, err := r.GetByEmail(ctx, rc.Email)
		if err != nil {
			return result, err
		}
		if existing != nil {
			result.Skipped++
			continue
		}

		if !sites[site.ID] {
			if err := r.UpsertSite(ctx, site); err != nil {
				return result, err
			}
			sites[site.ID] = true
		}
		if err := r.Create(ctx, rc); err != nil {
			return result, err
		}
		result.Created++
	}

	return result, nil
}

func (c importColumns) parse(record []string, opts ImportOptions) (*models.Site, *models.Recipient, error) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	addr, ok := email.Normalize(field(c.email))
	if !ok {
		return nil, nil, fmt.Errorf("invalid email %q", field(c.email))
	}

	domain := strings.ToLower(field(c.domain))
	if domain == "" {
		domain = email.ExtractDomain(addr)
	}
	siteID := field(c.siteID)
	if siteID == "" {
		siteID = domain
	}

	priority := 0
	if v := field(c.priority); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 100 {
			return nil, nil, fmt.Errorf("priority must be 0..100, got %q", v)
		}
		priority = p
	}

	flag := func(i int, def bool) (bool, error) {
		v := field(i)
		if v == "" {
			return def, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid boolean %q", v)
		}
		return b, nil
	}

	site := &models.Site{ID: siteID, Domain: domain}
	rc := &models.Recipient{Email: addr, Name: field(c.name), SiteID: siteID, Priority: priority}

	var err error
	if site.ReviewRequired, err = flag(c.review, opts.ReviewRequired); err != nil {
		return nil, nil, err
	}
	if site.Qualified, err = flag(c.qualified, !opts.Unqualified); err != nil {
		return nil, nil, err
	}
	if rc.Validated, err = flag(c.validated, true); err != nil {
		return nil, nil, err
	}
	if rc.Valid, err = flag(c.valid, true); err != nil {
		return nil, nil, err
	}

	return site, rc, nil
}
