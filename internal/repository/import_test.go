package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/foxzi/outreach/internal/models"
)

func TestImportCSV(t *testing.T) {
	repo := NewRecipientRepository(setupTestDB(t))
	ctx := context.Background()

	input := `Email,Name,Site_Domain,Priority,Review_Required
owner@bakery.test,Robin,bakery.test,80,true
Info@Bakery.test,,bakery.test,,
not-an-address,Nobody,,,
sales@florist.test,Kim,,120,
sales@florist.test,Kim again,,,
hello@garage.test,Sam,,10,maybe
`
	result, err := repo.ImportCSV(ctx, strings.NewReader(input), ImportOptions{})
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}

	if result.Total != 6 {
		t.Errorf("Total = %d, want 6", result.Total)
	}
	if result.Created != 3 {
		t.Errorf("Created = %d, want 3", result.Created)
	}
	if result.Skipped != 3 || len(result.Errors) != 3 {
		t.Errorf("Skipped = %d, Errors = %v", result.Skipped, result.Errors)
	}

	rc, err := repo.GetByEmail(ctx, "info@bakery.test")
	if err != nil || rc == nil {
		t.Fatalf("GetByEmail() = %v, %v", rc, err)
	}
	if rc.SiteID != "bakery.test" || !rc.Valid || !rc.Validated || rc.State != models.RecipientNew {
		t.Errorf("recipient = %+v", rc)
	}

	site, err := repo.GetSite(ctx, "bakery.test")
	if err != nil || site == nil {
		t.Fatalf("GetSite() = %v, %v", site, err)
	}
	if !site.ReviewRequired || !site.Qualified {
		t.Errorf("site = %+v, want review required and qualified", site)
	}

	// Reimport skips every known address
	again, err := repo.ImportCSV(ctx, strings.NewReader("email\nowner@bakery.test\n"), ImportOptions{})
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}
	if again.Created != 0 || again.Skipped != 1 {
		t.Errorf("reimport = %+v", again)
	}
}

func TestImportCSVSiteDefaults(t *testing.T) {
	repo := NewRecipientRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.ImportCSV(ctx, strings.NewReader("email\nowner@shop.test\n"), ImportOptions{ReviewRequired: true, Unqualified: true})
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}

	site, err := repo.GetSite(ctx, "shop.test")
	if err != nil || site == nil {
		t.Fatalf("GetSite() = %v, %v", site, err)
	}
	if !site.ReviewRequired || site.Qualified {
		t.Errorf("site = %+v, want review required and unqualified", site)
	}
}

func TestImportCSVRequiresEmailColumn(t *testing.T) {
	repo := NewRecipientRepository(setupTestDB(t))

	if _, err := repo.ImportCSV(context.Background(), strings.NewReader("name\nRobin\n"), ImportOptions{}); err == nil {
		t.Error("expected error for missing email column")
	}
}
