package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

var (
	// ErrNotFound is returned for unknown review items
	ErrNotFound = errors.New("review item not found")
	// ErrNotPending is returned when deciding an item that was already decided
	ErrNotPending = errors.New("review item is not pending")
)

// Store is the persistence the gate needs
type Store interface {
	Create(ctx context.Context, item *models.ReviewItem) (bool, error)
	GetByID(ctx context.Context, id string) (*models.ReviewItem, error)
	Latest(ctx context.Context, recipientID int64, templateID string) (*models.ReviewItem, error)
	Decide(ctx context.Context, id string, status models.ReviewStatus, reviewerID, notes string, at time.Time) (bool, error)
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error)
	ListDispatchable(ctx context.Context, limit int) ([]models.ReviewItem, error)
}

// Result is the outcome of one item in a bulk decision
type Result struct {
	ID     string              `json:"id"`
	Status models.ReviewStatus `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
	Item   *models.ReviewItem  `json:"-"`
}

// Gate holds rendered messages for review-required sites until an operator
// approves or rejects them. Each item leaves pending exactly once.
type Gate struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewGate creates a review gate
func NewGate(store Store, now func() time.Time, logger *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, now: now, logger: logger}
}

// Submit queues an item for review. If a pending item already exists for the
// same recipient and template, that item is returned instead.
func (g *Gate) Submit(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = g.now()
	}

	created, err := g.store.Create(ctx, item)
	if err != nil {
		return nil, err
	}
	if created {
		g.logger.Info("review item submitted",
			"review_id", item.ID,
			"recipient_id", item.RecipientID,
			"template_id", item.TemplateID)
		return item, nil
	}

	existing, err := g.store.Latest(ctx, item.RecipientID, item.TemplateID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("pending review item for recipient %d vanished", item.RecipientID)
	}
	return existing, nil
}

// Approve moves a pending item to approved. Approval alone never dispatches.
func (g *Gate) Approve(ctx context.Context, id, reviewerID, notes string) (*models.ReviewItem, error) {
	return g.decide(ctx, id, models.ReviewApproved, reviewerID, notes)
}

// Reject moves a pending item to rejected
func (g *Gate) Reject(ctx context.Context, id, reviewerID, notes string) (*models.ReviewItem, error) {
	return g.decide(ctx, id, models.ReviewRejected, reviewerID, notes)
}

// BulkApprove approves each item independently and reports per-item results
func (g *Gate) BulkApprove(ctx context.Context, ids []string, reviewerID, notes string) []Result {
	return g.bulk(ctx, ids, models.ReviewApproved, reviewerID, notes)
}

// BulkReject rejects each item independently and reports per-item results
func (g *Gate) BulkReject(ctx context.Context, ids []string, reviewerID, notes string) []Result {
	return g.bulk(ctx, ids, models.ReviewRejected, reviewerID, notes)
}

// Latest returns the most recent item for a recipient and template
func (g *Gate) Latest(ctx context.Context, recipientID int64, templateID string) (*models.ReviewItem, error) {
	return g.store.Latest(ctx, recipientID, templateID)
}

// Get returns an item by ID
func (g *Gate) Get(ctx context.Context, id string) (*models.ReviewItem, error) {
	item, err := g.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// List returns items matching the filter
func (g *Gate) List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error) {
	return g.store.List(ctx, filter)
}

// Dispatchable returns approved items whose recipient is still new
func (g *Gate) Dispatchable(ctx context.Context, limit int) ([]models.ReviewItem, error) {
	return g.store.ListDispatchable(ctx, limit)
}

func (g *Gate) decide(ctx context.Context, id string, status models.ReviewStatus, reviewerID, notes string) (*models.ReviewItem, error) {
	ok, err := g.store.Decide(ctx, id, status, reviewerID, notes, g.now())
	if err != nil {
		return nil, err
	}

	item, err := g.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	if !ok {
		return item, ErrNotPending
	}

	g.logger.Info("review item decided",
		"review_id", id,
		"status", string(status),
		"reviewer_id", reviewerID)
	return item, nil
}

func (g *Gate) bulk(ctx context.Context, ids []string, status models.ReviewStatus, reviewerID, notes string) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		item, err := g.decide(ctx, id, status, reviewerID, notes)
		res := Result{ID: id, Item: item}
		if item != nil {
			res.Status = item.Status
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}
