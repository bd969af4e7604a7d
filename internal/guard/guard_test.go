package guard

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

type mockLedger struct {
	recipientSince func(id int64, since time.Time) (bool, error)
	siteSince      func(id string, since time.Time) (bool, error)
}

func (m *mockLedger) HasRecipientSuccessSince(ctx context.Context, id int64, since time.Time) (bool, error) {
	return m.recipientSince(id, since)
}

func (m *mockLedger) HasSiteSuccessSince(ctx context.Context, id string, since time.Time) (bool, error) {
	return m.siteSince(id, since)
}

func TestCheck(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cooldown := 30 * 24 * time.Hour

	tests := []struct {
		name            string
		recipientRecent bool
		siteRecent      bool
		siteSuppression bool
		wantEligible    bool
		wantReasons     []string
	}{
		{"clean", false, false, true, true, nil},
		{"recipient recent", true, false, true, false, []string{ReasonDuplicate}},
		{"site recent", false, true, true, false, []string{ReasonSiteCooldown}},
		{"both reported", true, true, true, false, []string{ReasonDuplicate, ReasonSiteCooldown}},
		{"site rule disabled", false, true, false, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &mockLedger{
				recipientSince: func(id int64, since time.Time) (bool, error) {
					if !since.Equal(now.Add(-cooldown)) {
						t.Errorf("since = %v, want %v", since, now.Add(-cooldown))
					}
					return tt.recipientRecent, nil
				},
				siteSince: func(id string, since time.Time) (bool, error) {
					return tt.siteRecent, nil
				},
			}
			g := New(ledger, cooldown, tt.siteSuppression, func() time.Time { return now })

			d, err := g.Check(context.Background(), &models.Recipient{ID: 1, SiteID: "s1"})
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if d.Eligible != tt.wantEligible {
				t.Errorf("Eligible = %v, want %v", d.Eligible, tt.wantEligible)
			}
			if !reflect.DeepEqual(d.Reasons, tt.wantReasons) {
				t.Errorf("Reasons = %v, want %v", d.Reasons, tt.wantReasons)
			}
		})
	}
}

func TestCheckLedgerError(t *testing.T) {
	ledger := &mockLedger{
		recipientSince: func(int64, time.Time) (bool, error) { return false, errors.New("disk I/O error") },
		siteSince:      func(string, time.Time) (bool, error) { return false, nil },
	}
	g := New(ledger, time.Hour, false, nil)

	if _, err := g.Check(context.Background(), &models.Recipient{ID: 1}); err == nil {
		t.Error("Check() should surface ledger errors")
	}
}
