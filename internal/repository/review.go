package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

type ReviewRepository struct {
	db *sql.DB
}

func NewReviewRepository(db *sql.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

const reviewColumns = `id, recipient_id, site_id, template_id, subject, html, text, status,
	reviewer_id, reviewed_at, notes, created_at`

// Create inserts a pending item. When a pending item for the same recipient
// and template already exists, nothing is written and false is returned.
func (r *ReviewRepository) Create(ctx context.Context, item *models.ReviewItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.Status = models.ReviewPending

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, recipient_id, site_id, template_id, subject, html, text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(recipient_id, template_id) WHERE status = 'pending' DO NOTHING`,
		item.ID, item.RecipientID, item.SiteID, item.TemplateID, item.Subject, item.HTML, item.Text, item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create review item: %w", err)
	}
	return affected(res)
}

// GetByID returns an item by ID, or nil if it does not exist
func (r *ReviewRepository) GetByID(ctx context.Context, id string) (*models.ReviewItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?`, id)
	item, err := scanReviewItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Latest returns the most recent item for a recipient and template, or nil
func (r *ReviewRepository) Latest(ctx context.Context, recipientID int64, templateID string) (*models.ReviewItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM review_queue
		WHERE recipient_id = ? AND template_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, recipientID, templateID)
	item, err := scanReviewItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Decide moves a pending item to status. Returns false when the item is not
// pending (already decided or missing); the row is then left untouched.
func (r *ReviewRepository) Decide(ctx context.Context, id string, status models.ReviewStatus, reviewerID, notes string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE review_queue SET status = ?, reviewer_id = ?, reviewed_at = ?, notes = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), reviewerID, at.UTC(), notes, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to decide review item: %w", err)
	}
	return affected(res)
}

// List returns items matching the filter, oldest first
func (r *ReviewRepository) List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_queue WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.SiteID != "" {
		query += " AND site_id = ?"
		args = append(args, filter.SiteID)
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return r.query(ctx, query, args...)
}

// ListDispatchable returns approved items whose recipient is still new
func (r *ReviewRepository) ListDispatchable(ctx context.Context, limit int) ([]models.ReviewItem, error) {
	return r.query(ctx, `
		SELECT q.id, q.recipient_id, q.site_id, q.template_id, q.subject, q.html, q.text, q.status,
			q.reviewer_id, q.reviewed_at, q.notes, q.created_at
		FROM review_queue q JOIN recipients r ON r.id = q.recipient_id
		WHERE q.status = 'approved' AND r.state = 'new'
		ORDER BY q.reviewed_at, q.id
		LIMIT ?`, limit)
}

// CountByStatus returns item counts keyed by status
func (r *ReviewRepository) CountByStatus(ctx context.Context) (map[models.ReviewStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM review_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.ReviewStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.ReviewStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *ReviewRepository) query(ctx context.Context, query string, args ...any) ([]models.ReviewItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.ReviewItem{}
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanReviewItem(s scanner) (*models.ReviewItem, error) {
	item := &models.ReviewItem{}
	var status string
	var reviewedAt sql.NullTime

	err := s.Scan(&item.ID, &item.RecipientID, &item.SiteID, &item.TemplateID, &item.Subject, &item.HTML, &item.Text,
		&status, &item.ReviewerID, &reviewedAt, &item.Notes, &item.CreatedAt)
	if err != nil {
		return nil, err
	}

	st, err := models.ParseReviewStatus(status)
	if err != nil {
		return nil, err
	}
	item.Status = st
	if reviewedAt.Valid {
		item.ReviewedAt = &reviewedAt.Time
	}
	return item, nil
}
