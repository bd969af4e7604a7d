package models

import (
	"fmt"
	"time"
)

// ReviewStatus is the decision state of a review item
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ParseReviewStatus validates a stored status value
func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch st := ReviewStatus(s); st {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown review status %q", s)
	}
}

// ReviewItem is a rendered message held for operator approval
type ReviewItem struct {
	ID          string       `json:"id"`
	RecipientID int64        `json:"recipient_id"`
	SiteID      string       `json:"site_id"`
	TemplateID  string       `json:"template_id"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	Status      ReviewStatus `json:"status"`
	ReviewerID  string       `json:"reviewer_id,omitempty"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ReviewFilter for listing review items
type ReviewFilter struct {
	Status ReviewStatus
	SiteID string
	Limit  int
	Offset int
}
