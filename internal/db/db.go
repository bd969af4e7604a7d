package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens the SQLite database at path. A single connection is used so that
// conditional updates on quota rows are serialized by the driver.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies pending schema migrations in order and records each
// applied version in schema_migrations.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, m := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(m); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version
func (db *DB) Version() (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

var migrations = []string{
	migrationCredentials,
	migrationSites,
	migrationRecipients,
	migrationSendLedger,
	migrationReviewQueue,
	migrationTemplates,
	migrationOperators,
}

const migrationCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    from_address TEXT NOT NULL,
    from_name TEXT NOT NULL DEFAULT '',
    tls_mode TEXT NOT NULL DEFAULT 'starttls',
    dkim_domain TEXT NOT NULL DEFAULT '',
    dkim_selector TEXT NOT NULL DEFAULT '',
    dkim_key_file TEXT NOT NULL DEFAULT '',
    daily_limit INTEGER NOT NULL CHECK (daily_limit >= 0),
    sent_today INTEGER NOT NULL DEFAULT 0 CHECK (sent_today >= 0),
    reset_date TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT 'UTC',
    active INTEGER NOT NULL DEFAULT 1,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_used_at TIMESTAMP,
    deactivated_at TIMESTAMP,
    deactivation_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(active, sent_today, id);
`

const migrationSites = `
CREATE TABLE IF NOT EXISTS sites (
    id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    qualified INTEGER NOT NULL DEFAULT 0,
    review_required INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    validated INTEGER NOT NULL DEFAULT 0,
    valid INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'new' CHECK (state IN ('new', 'contacted', 'bounced')),
    contact_count INTEGER NOT NULL DEFAULT 0,
    first_contacted_at TIMESTAMP,
    last_contacted_at TIMESTAMP,
    priority INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 100),
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipients_selection ON recipients(state, priority DESC, id);
CREATE INDEX IF NOT EXISTS idx_recipients_site ON recipients(site_id);
`

const migrationSendLedger = `
CREATE TABLE IF NOT EXISTS send_ledger (
    id TEXT PRIMARY KEY,
    recipient_id INTEGER NOT NULL,
    recipient_email TEXT NOT NULL,
    site_id TEXT NOT NULL,
    credential_id INTEGER,
    template_id TEXT NOT NULL DEFAULT '',
    job_id TEXT NOT NULL DEFAULT '',
    attempt INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL CHECK (status IN ('sent', 'delivered', 'bounced', 'failed')),
    error TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_ledger_recipient ON send_ledger(recipient_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_send_ledger_site ON send_ledger(site_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_send_ledger_credential ON send_ledger(credential_id);
`

const migrationReviewQueue = `
CREATE TABLE IF NOT EXISTS review_queue (
    id TEXT PRIMARY KEY,
    recipient_id INTEGER NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
    site_id TEXT NOT NULL,
    template_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    html TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
    reviewer_id TEXT NOT NULL DEFAULT '',
    reviewed_at TIMESTAMP,
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_queue_pending ON review_queue(recipient_id, template_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_review_queue_status ON review_queue(status, created_at);
`

const migrationTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    subject TEXT NOT NULL,
    html TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationOperators = `
CREATE TABLE IF NOT EXISTS operators (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    token_hash TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`
