package app

import (
	"fmt"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/repository"
)

// Store is the migrated SQLite database and its repositories. Command line
// tools that do not touch the queue open only this, so they can run next to
// a serving process that holds the queue file lock.
type Store struct {
	DB          *db.DB
	Credentials *repository.CredentialRepository
	Recipients  *repository.RecipientRepository
	Ledger      *repository.LedgerRepository
	Reviews     *repository.ReviewRepository
	Templates   *repository.TemplateRepository
	Operators   *repository.OperatorRepository
}

// OpenStore opens and migrates the database
func OpenStore(cfg *config.Config) (*Store, error) {
	database, err := db.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		DB:          database,
		Credentials: repository.NewCredentialRepository(database.DB),
		Recipients:  repository.NewRecipientRepository(database.DB),
		Ledger:      repository.NewLedgerRepository(database.DB),
		Reviews:     repository.NewReviewRepository(database.DB),
		Templates:   repository.NewTemplateRepository(database.DB),
		Operators:   repository.NewOperatorRepository(database.DB),
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.DB.Close()
}
