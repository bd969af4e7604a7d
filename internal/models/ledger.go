package models

import (
	"fmt"
	"time"
)

// SendStatus is the outcome of one send attempt
type SendStatus string

const (
	SendSent      SendStatus = "sent"
	SendDelivered SendStatus = "delivered"
	SendBounced   SendStatus = "bounced"
	SendFailed    SendStatus = "failed"
)

// ParseSendStatus validates a stored status value
func ParseSendStatus(s string) (SendStatus, error) {
	switch st := SendStatus(s); st {
	case SendSent, SendDelivered, SendBounced, SendFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown send status %q", s)
	}
}

// Successful reports whether the status blocks resends during cooldown
func (s SendStatus) Successful() bool {
	return s == SendSent || s == SendDelivered
}

// SendRecord is an append-only ledger entry for one attempt
type SendRecord struct {
	ID             string     `json:"id"`
	RecipientID    int64      `json:"recipient_id"`
	RecipientEmail string     `json:"recipient_email"`
	SiteID         string     `json:"site_id"`
	CredentialID   int64      `json:"credential_id,omitempty"`
	TemplateID     string     `json:"template_id,omitempty"`
	JobID          string     `json:"job_id,omitempty"`
	Attempt        int        `json:"attempt"`
	Status         SendStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
}

// LedgerFilter for listing send records
type LedgerFilter struct {
	RecipientID  int64
	CredentialID int64
	Status       SendStatus
	Since        *time.Time
	Limit        int
	Offset       int
}

// LedgerStats aggregated statistics
type LedgerStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`
}

// CredentialStats is ledger activity for one credential
type CredentialStats struct {
	CredentialID int64 `json:"credential_id"`
	LedgerStats
}
