package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type OperatorRepository struct {
	db *sql.DB
}

func NewOperatorRepository(db *sql.DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create registers an operator and returns the bearer token, which is only
// available at creation time. Tokens have the form "<operator id>.<secret>".
func (r *OperatorRepository) Create(ctx context.Context, name string) (*models.Operator, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash token: %w", err)
	}

	op := &models.Operator{
		ID:        uuid.New().String(),
		Name:      name,
		TokenHash: string(hash),
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO operators (id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		op.ID, op.Name, op.TokenHash, op.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create operator: %w", err)
	}

	return op, op.ID + "." + secret, nil
}

// GetByID returns an operator by ID, or nil if it does not exist
func (r *OperatorRepository) GetByID(ctx context.Context, id string) (*models.Operator, error) {
	op := &models.Operator{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, token_hash, created_at FROM operators WHERE id = ?`, id,
	).Scan(&op.ID, &op.Name, &op.TokenHash, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Authenticate resolves a bearer token to its operator. Unknown or
// mismatching tokens yield nil without error.
func (r *OperatorRepository) Authenticate(ctx context.Context, token string) (*models.Operator, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, nil
	}

	op, err := r.GetByID(ctx, id)
	if err != nil || op == nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.TokenHash), []byte(secret)); err != nil {
		return nil, nil
	}
	return op, nil
}

// List returns all operators ordered by name
func (r *OperatorRepository) List(ctx context.Context) ([]models.Operator, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, token_hash, created_at FROM operators ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []models.Operator{}
	for rows.Next() {
		var op models.Operator
		if err := rows.Scan(&op.ID, &op.Name, &op.TokenHash, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Delete removes an operator
func (r *OperatorRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM operators WHERE id = ?`, id)
	return err
}
