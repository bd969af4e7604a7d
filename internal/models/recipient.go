package models

import (
	"fmt"
	"time"
)

// RecipientState is the contact lifecycle of a recipient
type RecipientState string

const (
	RecipientNew       RecipientState = "new"
	RecipientContacted RecipientState = "contacted"
	RecipientBounced   RecipientState = "bounced"
)

// ParseRecipientState validates a stored state value
func ParseRecipientState(s string) (RecipientState, error) {
	switch st := RecipientState(s); st {
	case RecipientNew, RecipientContacted, RecipientBounced:
		return st, nil
	default:
		return "", fmt.Errorf("unknown recipient state %q", s)
	}
}

// Recipient is an extracted contact address
type Recipient struct {
	ID               int64          `json:"id"`
	Email            string         `json:"email"`
	Name             string         `json:"name,omitempty"`
	SiteID           string         `json:"site_id"`
	Validated        bool           `json:"validated"`
	Valid            bool           `json:"valid"`
	State            RecipientState `json:"state"`
	ContactCount     int            `json:"contact_count"`
	FirstContactedAt *time.Time     `json:"first_contacted_at,omitempty"`
	LastContactedAt  *time.Time     `json:"last_contacted_at,omitempty"`
	Priority         int            `json:"priority"` // 0..100
	CreatedAt        time.Time      `json:"created_at"`
}

// Site is a crawled website owning recipients
type Site struct {
	ID             string    `json:"id"`
	Domain         string    `json:"domain"`
	Qualified      bool      `json:"qualified"`
	ReviewRequired bool      `json:"review_required"`
	CreatedAt      time.Time `json:"created_at"`
}

// Candidate is a recipient joined with its site, as selected for dispatch
type Candidate struct {
	Recipient
	SiteDomain     string `json:"site_domain"`
	ReviewRequired bool   `json:"review_required"`
}
