package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// Skip reasons reported by the guard
const (
	ReasonDuplicate    = "duplicate-suppressed"
	ReasonSiteCooldown = "site-cooldown"
)

// Ledger answers cooldown queries against the send ledger
type Ledger interface {
	HasRecipientSuccessSince(ctx context.Context, recipientID int64, since time.Time) (bool, error)
	HasSiteSuccessSince(ctx context.Context, siteID string, since time.Time) (bool, error)
}

// Decision is the guard verdict for one recipient
type Decision struct {
	Eligible bool
	Reasons  []string
}

// Guard suppresses sends to recipients, and optionally their sites, that
// already received a successful send inside the cooldown. It reads the
// ledger on every call.
type Guard struct {
	ledger          Ledger
	cooldown        time.Duration
	siteSuppression bool
	now             func() time.Time
}

// New creates a duplicate guard
func New(ledger Ledger, cooldown time.Duration, siteSuppression bool, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		ledger:          ledger,
		cooldown:        cooldown,
		siteSuppression: siteSuppression,
		now:             now,
	}
}

// Check evaluates both the recipient and the site rule and reports every
// reason that applies
func (g *Guard) Check(ctx context.Context, r *models.Recipient) (*Decision, error) {
	since := g.now().Add(-g.cooldown)
	d := &Decision{Eligible: true}

	recent, err := g.ledger.HasRecipientSuccessSince(ctx, r.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to check recipient cooldown: %w", err)
	}
	if recent {
		d.Eligible = false
		d.Reasons = append(d.Reasons, ReasonDuplicate)
	}

	if g.siteSuppression && r.SiteID != "" {
		recent, err := g.ledger.HasSiteSuccessSince(ctx, r.SiteID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to check site cooldown: %w", err)
		}
		if recent {
			d.Eligible = false
			d.Reasons = append(d.Reasons, ReasonSiteCooldown)
		}
	}

	return d, nil
}
