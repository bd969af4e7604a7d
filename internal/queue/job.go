package queue

import (
	"time"
)

// JobStatus represents the state of a send job
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusSending  JobStatus = "sending"
	StatusDeferred JobStatus = "deferred"
	StatusDone     JobStatus = "done"
	StatusSkipped  JobStatus = "skipped"
	StatusFailed   JobStatus = "failed"
)

// Terminal reports whether no further processing will happen
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Job is one planned send to one recipient
type Job struct {
	ID           string    `json:"id"`
	RecipientID  int64     `json:"recipient_id"`
	TemplateID   string    `json:"template_id"`
	ReviewItemID string    `json:"review_item_id,omitempty"`
	Status       JobStatus `json:"status"`
	NotBefore    time.Time `json:"not_before"`
	Attempts     int       `json:"attempts"`
	NextRetryAt  time.Time `json:"next_retry_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QueueStats contains queue statistics
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Sending  int64 `json:"sending"`
	Deferred int64 `json:"deferred"`
	Done     int64 `json:"done"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
	Total    int64 `json:"total"`
}

// ListFilter contains filtering options for listing jobs
type ListFilter struct {
	Status      JobStatus
	RecipientID int64
	Limit       int
	Offset      int
}
