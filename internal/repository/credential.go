package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, name, host, port, username, password, from_address, from_name, tls_mode,
	dkim_domain, dkim_selector, dkim_key_file, daily_limit, sent_today, reset_date, timezone,
	active, success_count, failure_count, last_used_at, deactivated_at, deactivation_reason,
	created_at, updated_at`

// Create inserts a new active credential and assigns its ID
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Active = true
	if c.TLSMode == "" {
		c.TLSMode = models.TLSModeStartTLS
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (name, host, port, username, password, from_address, from_name, tls_mode,
			dkim_domain, dkim_selector, dkim_key_file, daily_limit, sent_today, reset_date, timezone,
			active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?)`,
		c.Name, c.Host, c.Port, c.Username, c.Password, c.FromAddress, c.FromName, c.TLSMode,
		c.DKIMDomain, c.DKIMSelector, c.DKIMKeyFile, c.DailyLimit, c.Timezone,
		c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read credential id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a credential by ID, or nil if it does not exist
func (r *CredentialRepository) GetByID(ctx context.Context, id int64) (*models.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns credentials ordered by ID
func (r *CredentialRepository) List(ctx context.Context, activeOnly bool) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`
	return r.query(ctx, query)
}

// ListEligible returns active credentials with quota left, least-loaded first
func (r *CredentialRepository) ListEligible(ctx context.Context) ([]models.Credential, error) {
	return r.query(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE active = 1 AND sent_today < daily_limit
		ORDER BY sent_today ASC, id ASC`)
}

// CountActive returns the number of active credentials regardless of quota
func (r *CredentialRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials WHERE active = 1`).Scan(&n)
	return n, err
}

// RemainingQuota sums unused quota across active credentials
func (r *CredentialRepository) RemainingQuota(ctx context.Context) (int, error) {
	var n sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(daily_limit - sent_today) FROM credentials
		WHERE active = 1 AND sent_today < daily_limit`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// ResetDaily zeroes sent_today when reset_date differs from date.
// Returns true when this call performed the reset.
func (r *CredentialRepository) ResetDaily(ctx context.Context, id int64, date string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET sent_today = 0, reset_date = ?, updated_at = ?
		WHERE id = ? AND reset_date <> ?`,
		date, now.UTC(), id, date,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset daily quota: %w", err)
	}
	return affected(res)
}

// Reserve takes one unit of quota on quota day date if the credential is
// still active, below its limit and not reset since date was read. Returns
// false when the condition no longer holds.
func (r *CredentialRepository) Reserve(ctx context.Context, id int64, date string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET sent_today = sent_today + 1, updated_at = ?
		WHERE id = ? AND active = 1 AND sent_today < daily_limit AND reset_date = ?`,
		now.UTC(), id, date,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	return affected(res)
}

// RecordSuccess increments the success counter and stamps last use
func (r *CredentialRepository) RecordSuccess(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET success_count = success_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter and returns the quota unit
// reserved on quota day date. A unit from a day that has since been reset
// is not returned.
func (r *CredentialRepository) RecordFailure(ctx context.Context, id int64, date string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET failure_count = failure_count + 1,
			sent_today = CASE WHEN reset_date = ? THEN MAX(sent_today - 1, 0) ELSE sent_today END,
			last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		date, now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// Release returns a quota unit reserved on quota day date without touching
// health counters
func (r *CredentialRepository) Release(ctx context.Context, id int64, date string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET sent_today = MAX(sent_today - 1, 0), updated_at = ?
		WHERE id = ? AND reset_date = ?`,
		now.UTC(), id, date,
	)
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// DeactivateIfUnhealthy deactivates an active credential whose success rate
// is below threshold after at least minSample attempts. Returns true when
// this call changed the credential.
func (r *CredentialRepository) DeactivateIfUnhealthy(ctx context.Context, id int64, minSample int, threshold float64, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET active = 0, deactivated_at = ?, deactivation_reason = ?, updated_at = ?
		WHERE id = ? AND active = 1
			AND success_count + failure_count >= ?
			AND CAST(success_count AS REAL) / (success_count + failure_count) < ?`,
		now.UTC(), reason, now.UTC(), id, minSample, threshold,
	)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate credential: %w", err)
	}
	return affected(res)
}

// SetActive enables or disables a credential. Enabling clears the
// deactivation stamp and resets health counters.
func (r *CredentialRepository) SetActive(ctx context.Context, id int64, active bool, reason string, now time.Time) (bool, error) {
	var res sql.Result
	var err error
	if active {
		res, err = r.db.ExecContext(ctx, `
			UPDATE credentials SET active = 1, deactivated_at = NULL, deactivation_reason = '',
				success_count = 0, failure_count = 0, updated_at = ?
			WHERE id = ?`, now.UTC(), id)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE credentials SET active = 0, deactivated_at = ?, deactivation_reason = ?, updated_at = ?
			WHERE id = ? AND active = 1`, now.UTC(), reason, now.UTC(), id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update credential state: %w", err)
	}
	return affected(res)
}

// Update applies operator edits
func (r *CredentialRepository) Update(ctx context.Context, id int64, u models.CredentialUpdate) error {
	set := ""
	args := []any{}
	add := func(col string, v any) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Host != nil {
		add("host", *u.Host)
	}
	if u.Port != nil {
		add("port", *u.Port)
	}
	if u.Username != nil {
		add("username", *u.Username)
	}
	if u.Password != nil {
		add("password", *u.Password)
	}
	if u.FromAddress != nil {
		add("from_address", *u.FromAddress)
	}
	if u.FromName != nil {
		add("from_name", *u.FromName)
	}
	if u.TLSMode != nil {
		add("tls_mode", *u.TLSMode)
	}
	if u.DailyLimit != nil {
		add("daily_limit", *u.DailyLimit)
	}
	if u.Timezone != nil {
		add("timezone", *u.Timezone)
	}
	if set == "" {
		return nil
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, `UPDATE credentials SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) query(ctx context.Context, query string, args ...any) ([]models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := []models.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (*models.Credential, error) {
	c := &models.Credential{}
	var lastUsedAt, deactivatedAt sql.NullTime

	err := s.Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &c.Password, &c.FromAddress, &c.FromName, &c.TLSMode,
		&c.DKIMDomain, &c.DKIMSelector, &c.DKIMKeyFile, &c.DailyLimit, &c.SentToday, &c.ResetDate, &c.Timezone,
		&c.Active, &c.SuccessCount, &c.FailureCount, &lastUsedAt, &deactivatedAt, &c.DeactivationReason,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	if deactivatedAt.Valid {
		c.DeactivatedAt = &deactivatedAt.Time
	}
	return c, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
