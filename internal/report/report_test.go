package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
)

type mockLedger struct {
	since *time.Time
	err   error
}

func (m *mockLedger) Stats(ctx context.Context, since *time.Time) (*models.LedgerStats, error) {
	m.since = since
	if m.err != nil {
		return nil, m.err
	}
	return &models.LedgerStats{Total: 3, Sent: 2, Failed: 1}, nil
}

func (m *mockLedger) StatsByCredential(ctx context.Context, since *time.Time) ([]models.CredentialStats, error) {
	return []models.CredentialStats{{CredentialID: 1, LedgerStats: models.LedgerStats{Total: 3, Sent: 2, Failed: 1}}}, nil
}

type mockRecipients struct{}

func (mockRecipients) CountByState(ctx context.Context) (map[models.RecipientState]int, error) {
	return map[models.RecipientState]int{models.RecipientNew: 10, models.RecipientContacted: 2}, nil
}

type mockReviews struct{}

func (mockReviews) CountByStatus(ctx context.Context) (map[models.ReviewStatus]int, error) {
	return map[models.ReviewStatus]int{models.ReviewPending: 4}, nil
}

type mockQueue struct{}

func (mockQueue) Stats(ctx context.Context) (*queue.QueueStats, error) {
	return &queue.QueueStats{Pending: 5, Total: 5}, nil
}

func (mockQueue) DLQStats(ctx context.Context) (*queue.DLQStats, error) {
	return &queue.DLQStats{Total: 1}, nil
}

type mockPool struct{}

func (mockPool) ActiveCount(ctx context.Context) (int, error) { return 2, nil }
func (mockPool) Capacity(ctx context.Context) (int, error)    { return 48, nil }

func TestBuild(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	since := now.Add(-24 * time.Hour)
	ledger := &mockLedger{}

	b := &Builder{
		Ledger:     ledger,
		Recipients: mockRecipients{},
		Reviews:    mockReviews{},
		Queue:      mockQueue{},
		Pool:       mockPool{},
		Now:        func() time.Time { return now },
	}

	rep, err := b.Build(context.Background(), &since)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !rep.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", rep.GeneratedAt, now)
	}
	if ledger.since == nil || !ledger.since.Equal(since) {
		t.Errorf("ledger queried with since = %v", ledger.since)
	}
	if rep.Ledger.Sent != 2 || len(rep.ByCredential) != 1 {
		t.Errorf("ledger figures = %+v, %+v", rep.Ledger, rep.ByCredential)
	}
	if rep.Recipients[models.RecipientNew] != 10 {
		t.Errorf("new recipients = %d, want 10", rep.Recipients[models.RecipientNew])
	}
	if rep.Reviews[models.ReviewPending] != 4 {
		t.Errorf("pending reviews = %d, want 4", rep.Reviews[models.ReviewPending])
	}
	if rep.Queue.Pending != 5 || rep.DLQ.Total != 1 {
		t.Errorf("queue = %+v, dlq = %+v", rep.Queue, rep.DLQ)
	}
	if rep.ActiveCredentials != 2 || rep.QuotaRemaining != 48 {
		t.Errorf("pool figures = %d active, %d remaining", rep.ActiveCredentials, rep.QuotaRemaining)
	}
}

func TestBuildPropagatesErrors(t *testing.T) {
	b := &Builder{
		Ledger:     &mockLedger{err: errors.New("database is locked")},
		Recipients: mockRecipients{},
		Reviews:    mockReviews{},
		Queue:      mockQueue{},
		Pool:       mockPool{},
	}

	if _, err := b.Build(context.Background(), nil); err == nil {
		t.Fatal("expected error from ledger")
	}
}
