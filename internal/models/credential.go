package models

import "time"

// TLS modes for SMTP submission
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

// Credential is a sendable SMTP account with a daily quota and health counters.
// SentToday never exceeds DailyLimit while the credential is active.
type Credential struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name,omitempty"`
	TLSMode     string `json:"tls_mode"`

	DKIMDomain   string `json:"dkim_domain,omitempty"`
	DKIMSelector string `json:"dkim_selector,omitempty"`
	DKIMKeyFile  string `json:"dkim_key_file,omitempty"`

	DailyLimit int    `json:"daily_limit"`
	SentToday  int    `json:"sent_today"`
	ResetDate  string `json:"reset_date"` // YYYY-MM-DD in Timezone
	Timezone   string `json:"timezone"`

	Active             bool       `json:"active"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Attempts returns the number of recorded delivery attempts.
func (c *Credential) Attempts() int {
	return c.SuccessCount + c.FailureCount
}

// SuccessRate returns the share of successful attempts, 1 when none were made.
func (c *Credential) SuccessRate() float64 {
	total := c.Attempts()
	if total == 0 {
		return 1
	}
	return float64(c.SuccessCount) / float64(total)
}

// Remaining returns the unused part of today's quota.
func (c *Credential) Remaining() int {
	if c.SentToday >= c.DailyLimit {
		return 0
	}
	return c.DailyLimit - c.SentToday
}

// CredentialUpdate holds operator edits; nil fields are left unchanged.
type CredentialUpdate struct {
	Name        *string
	Host        *string
	Port        *int
	Username    *string
	Password    *string
	FromAddress *string
	FromName    *string
	TLSMode     *string
	DailyLimit  *int
	Timezone    *string
}
