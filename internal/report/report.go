// Package report aggregates ledger, recipient, review, queue and quota
// figures into one snapshot for the CLI and the admin API.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
)

// Ledger provides send record aggregates
type Ledger interface {
	Stats(ctx context.Context, since *time.Time) (*models.LedgerStats, error)
	StatsByCredential(ctx context.Context, since *time.Time) ([]models.CredentialStats, error)
}

// Recipients provides recipient state counts
type Recipients interface {
	CountByState(ctx context.Context) (map[models.RecipientState]int, error)
}

// Reviews provides review item counts
type Reviews interface {
	CountByStatus(ctx context.Context) (map[models.ReviewStatus]int, error)
}

// Queue provides job queue counts
type Queue interface {
	Stats(ctx context.Context) (*queue.QueueStats, error)
	DLQStats(ctx context.Context) (*queue.DLQStats, error)
}

// Pool provides credential figures
type Pool interface {
	ActiveCount(ctx context.Context) (int, error)
	Capacity(ctx context.Context) (int, error)
}

// Report is a point-in-time view of the dispatch system
type Report struct {
	GeneratedAt       time.Time                     `json:"generated_at"`
	Since             *time.Time                    `json:"since,omitempty"`
	Ledger            *models.LedgerStats           `json:"ledger"`
	ByCredential      []models.CredentialStats      `json:"by_credential"`
	Recipients        map[models.RecipientState]int `json:"recipients"`
	Reviews           map[models.ReviewStatus]int   `json:"reviews"`
	Queue             *queue.QueueStats             `json:"queue"`
	DLQ               *queue.DLQStats               `json:"dlq"`
	ActiveCredentials int                           `json:"active_credentials"`
	QuotaRemaining    int                           `json:"quota_remaining"`
}

// Builder collects a report from its sources
type Builder struct {
	Ledger     Ledger
	Recipients Recipients
	Reviews    Reviews
	Queue      Queue
	Pool       Pool
	Now        func() time.Time
}

// Build returns a report. Ledger figures are limited to records at or after
// since when it is set; the other figures are current totals.
func (b *Builder) Build(ctx context.Context, since *time.Time) (*Report, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	rep := &Report{GeneratedAt: now(), Since: since}

	var err error
	if rep.Ledger, err = b.Ledger.Stats(ctx, since); err != nil {
		return nil, fmt.Errorf("failed to load ledger stats: %w", err)
	}
	if rep.ByCredential, err = b.Ledger.StatsByCredential(ctx, since); err != nil {
		return nil, fmt.Errorf("failed to load credential stats: %w", err)
	}
	if rep.Recipients, err = b.Recipients.CountByState(ctx); err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	if rep.Reviews, err = b.Reviews.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("failed to count review items: %w", err)
	}
	if rep.Queue, err = b.Queue.Stats(ctx); err != nil {
		return nil, fmt.Errorf("failed to load queue stats: %w", err)
	}
	if rep.DLQ, err = b.Queue.DLQStats(ctx); err != nil {
		return nil, fmt.Errorf("failed to load DLQ stats: %w", err)
	}
	if rep.ActiveCredentials, err = b.Pool.ActiveCount(ctx); err != nil {
		return nil, fmt.Errorf("failed to count credentials: %w", err)
	}
	if rep.QuotaRemaining, err = b.Pool.Capacity(ctx); err != nil {
		return nil, fmt.Errorf("failed to compute capacity: %w", err)
	}

	return rep, nil
}
