package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

// LedgerRepository stores the append-only send ledger. Records are never
// rewritten except for the sent -> delivered confirmation.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const ledgerColumns = `id, recipient_id, recipient_email, site_id, credential_id, template_id, job_id,
	attempt, status, error, sent_at`

// Append writes a new record
func (r *LedgerRepository) Append(ctx context.Context, rec *models.SendRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	rec.SentAt = rec.SentAt.UTC()
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}

	var credentialID sql.NullInt64
	if rec.CredentialID != 0 {
		credentialID = sql.NullInt64{Int64: rec.CredentialID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_ledger (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RecipientID, rec.RecipientEmail, rec.SiteID, credentialID, rec.TemplateID, rec.JobID,
		rec.Attempt, string(rec.Status), rec.Error, rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append send record: %w", err)
	}
	return nil
}

// GetByID returns a record by ID, or nil if it does not exist
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*models.SendRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM send_ledger WHERE id = ?`, id)
	rec, err := scanSendRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkDelivered confirms delivery of a sent record
func (r *LedgerRepository) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_ledger SET status = 'delivered' WHERE id = ? AND status = 'sent'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	return affected(res)
}

// HasRecipientSuccessSince reports a sent or delivered record for the
// recipient at or after since
func (r *LedgerRepository) HasRecipientSuccessSince(ctx context.Context, recipientID int64, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM send_ledger
			WHERE recipient_id = ? AND status IN ('sent', 'delivered') AND sent_at >= ?
		)`, recipientID, since.UTC(),
	).Scan(&exists)
	return exists, err
}

// HasSiteSuccessSince reports a sent or delivered record for any recipient
// of the site at or after since
func (r *LedgerRepository) HasSiteSuccessSince(ctx context.Context, siteID string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM send_ledger
			WHERE site_id = ? AND status IN ('sent', 'delivered') AND sent_at >= ?
		)`, siteID, since.UTC(),
	).Scan(&exists)
	return exists, err
}

// List returns records matching the filter, newest first
func (r *LedgerRepository) List(ctx context.Context, filter models.LedgerFilter) ([]models.SendRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM send_ledger WHERE 1=1`
	args := []any{}

	if filter.RecipientID != 0 {
		query += " AND recipient_id = ?"
		args = append(args, filter.RecipientID)
	}
	if filter.CredentialID != 0 {
		query += " AND credential_id = ?"
		args = append(args, filter.CredentialID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query += " AND sent_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY sent_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.SendRecord{}
	for rows.Next() {
		rec, err := scanSendRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Count returns the total number of records
func (r *LedgerRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_ledger`).Scan(&n)
	return n, err
}

// Stats aggregates records by status, optionally since an instant
func (r *LedgerRepository) Stats(ctx context.Context, since *time.Time) (*models.LedgerStats, error) {
	query := `SELECT status, COUNT(*) FROM send_ledger`
	args := []any{}
	if since != nil {
		query += ` WHERE sent_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.LedgerStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		addStatus(stats, models.SendStatus(status), n)
	}
	return stats, rows.Err()
}

// StatsByCredential aggregates records per credential
func (r *LedgerRepository) StatsByCredential(ctx context.Context, since *time.Time) ([]models.CredentialStats, error) {
	query := `SELECT credential_id, status, COUNT(*) FROM send_ledger WHERE credential_id IS NOT NULL`
	args := []any{}
	if since != nil {
		query += ` AND sent_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` GROUP BY credential_id, status ORDER BY credential_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.CredentialStats{}
	index := map[int64]int{}
	for rows.Next() {
		var credentialID int64
		var status string
		var n int
		if err := rows.Scan(&credentialID, &status, &n); err != nil {
			return nil, err
		}
		i, ok := index[credentialID]
		if !ok {
			result = append(result, models.CredentialStats{CredentialID: credentialID})
			i = len(result) - 1
			index[credentialID] = i
		}
		addStatus(&result[i].LedgerStats, models.SendStatus(status), n)
	}
	return result, rows.Err()
}

func addStatus(stats *models.LedgerStats, status models.SendStatus, n int) {
	stats.Total += n
	switch status {
	case models.SendSent:
		stats.Sent += n
	case models.SendDelivered:
		stats.Delivered += n
	case models.SendBounced:
		stats.Bounced += n
	case models.SendFailed:
		stats.Failed += n
	}
}

func scanSendRecord(s scanner) (*models.SendRecord, error) {
	rec := &models.SendRecord{}
	var credentialID sql.NullInt64
	var status string

	err := s.Scan(&rec.ID, &rec.RecipientID, &rec.RecipientEmail, &rec.SiteID, &credentialID, &rec.TemplateID, &rec.JobID,
		&rec.Attempt, &status, &rec.Error, &rec.SentAt)
	if err != nil {
		return nil, err
	}

	rec.CredentialID = credentialID.Int64
	st, err := models.ParseSendStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = st
	return rec, nil
}
