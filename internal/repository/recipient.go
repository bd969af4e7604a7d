package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `r.id, r.email, r.name, r.site_id, r.validated, r.valid, r.state, r.contact_count,
	r.first_contacted_at, r.last_contacted_at, r.priority, r.created_at`

// UpsertSite creates a site or refreshes its domain and flags
func (r *RecipientRepository) UpsertSite(ctx context.Context, s *models.Site) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, domain, qualified, review_required, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET domain = excluded.domain,
			qualified = excluded.qualified, review_required = excluded.review_required`,
		s.ID, s.Domain, s.Qualified, s.ReviewRequired, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site: %w", err)
	}
	return nil
}

// GetSite returns a site by ID, or nil if it does not exist
func (r *RecipientRepository) GetSite(ctx context.Context, id string) (*models.Site, error) {
	s := &models.Site{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, domain, qualified, review_required, created_at FROM sites WHERE id = ?`, id,
	).Scan(&s.ID, &s.Domain, &s.Qualified, &s.ReviewRequired, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a recipient in state new and assigns its ID
func (r *RecipientRepository) Create(ctx context.Context, rc *models.Recipient) error {
	rc.Email = strings.ToLower(strings.TrimSpace(rc.Email))
	rc.State = models.RecipientNew
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO recipients (email, name, site_id, validated, valid, state, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.Email, rc.Name, rc.SiteID, rc.Validated, rc.Valid, string(rc.State), rc.Priority, rc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read recipient id: %w", err)
	}
	rc.ID = id
	return nil
}

// GetByID returns a recipient by ID, or nil if it does not exist
func (r *RecipientRepository) GetByID(ctx context.Context, id int64) (*models.Recipient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients r WHERE r.id = ?`, id)
	rc, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// GetByEmail returns a recipient by address, or nil if it does not exist
func (r *RecipientRepository) GetByEmail(ctx context.Context, email string) (*models.Recipient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients r WHERE r.email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	rc, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// GetCandidate returns a recipient joined with its site
func (r *RecipientRepository) GetCandidate(ctx context.Context, id int64) (*models.Candidate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recipientColumns+`, s.domain, s.review_required
		FROM recipients r JOIN sites s ON s.id = r.site_id
		WHERE r.id = ?`, id)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCandidates returns validated, valid, non-bounced recipients on
// qualified sites. Uncontacted recipients come first; within each group the
// highest priority wins, ties by ascending ID. Contacted recipients are
// included so the duplicate guard decides when a follow-up is allowed.
func (r *RecipientRepository) ListCandidates(ctx context.Context, limit, offset int) ([]models.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recipientColumns+`, s.domain, s.review_required
		FROM recipients r JOIN sites s ON s.id = r.site_id
		WHERE r.validated = 1 AND r.valid = 1 AND r.state <> 'bounced' AND s.qualified = 1
		ORDER BY CASE r.state WHEN 'new' THEN 0 ELSE 1 END, r.priority DESC, r.id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []models.Candidate{}
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *c)
	}
	return candidates, rows.Err()
}

// MarkContacted records a contact and moves the recipient to contacted.
// Bounced recipients are left alone. The first contact time is only written
// once.
func (r *RecipientRepository) MarkContacted(ctx context.Context, id int64, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET state = 'contacted', contact_count = contact_count + 1,
			first_contacted_at = COALESCE(first_contacted_at, ?), last_contacted_at = ?
		WHERE id = ? AND state <> 'bounced'`,
		at, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient contacted: %w", err)
	}
	return affected(res)
}

// MarkBounced moves a recipient to bounced after a permanent rejection
func (r *RecipientRepository) MarkBounced(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET state = 'bounced' WHERE id = ? AND state <> 'bounced'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient bounced: %w", err)
	}
	return affected(res)
}

// CountByState returns recipient counts keyed by state
func (r *RecipientRepository) CountByState(ctx context.Context) (map[models.RecipientState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM recipients GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.RecipientState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[models.RecipientState(state)] = n
	}
	return counts, rows.Err()
}

func scanRecipient(s scanner) (*models.Recipient, error) {
	rc := &models.Recipient{}
	var state string
	var firstAt, lastAt sql.NullTime

	err := s.Scan(&rc.ID, &rc.Email, &rc.Name, &rc.SiteID, &rc.Validated, &rc.Valid, &state, &rc.ContactCount,
		&firstAt, &lastAt, &rc.Priority, &rc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rc, fillRecipient(rc, state, firstAt, lastAt)
}

func scanCandidate(s scanner) (*models.Candidate, error) {
	c := &models.Candidate{}
	var state string
	var firstAt, lastAt sql.NullTime

	err := s.Scan(&c.ID, &c.Email, &c.Name, &c.SiteID, &c.Validated, &c.Valid, &state, &c.ContactCount,
		&firstAt, &lastAt, &c.Priority, &c.CreatedAt, &c.SiteDomain, &c.ReviewRequired)
	if err != nil {
		return nil, err
	}
	return c, fillRecipient(&c.Recipient, state, firstAt, lastAt)
}

func fillRecipient(rc *models.Recipient, state string, firstAt, lastAt sql.NullTime) error {
	st, err := models.ParseRecipientState(state)
	if err != nil {
		return err
	}
	rc.State = st
	if firstAt.Valid {
		rc.FirstContactedAt = &firstAt.Time
	}
	if lastAt.Valid {
		rc.LastContactedAt = &lastAt.Time
	}
	return nil
}
