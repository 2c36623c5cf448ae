package persistence

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/model"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CredentialStore keeps withdrawal password hashes in
// optl.withdrawal_credentials.
type CredentialStore struct {
	db *sql.DB
}

var _ approval.Credentials = (*CredentialStore)(nil)

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (c *CredentialStore) WithdrawalPasswordHash(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	var hash []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT password_hash FROM optl.withdrawal_credentials WHERE user_id = $1`, userID,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Errorf(model.ErrNotFound, "withdrawal credentials for %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal credentials %s: %w", userID, err)
	}
	return hash, nil
}

// SetWithdrawalPassword hashes password and stores it for userID.
func (c *CredentialStore) SetWithdrawalPassword(ctx context.Context, userID uuid.UUID, password string) error {
	if password == "" {
		return model.Errorf(model.ErrValidation, "password is required")
	}
	hash, err := approval.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO optl.withdrawal_credentials (user_id, password_hash, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, updated_at = NOW()`,
		userID, hash,
	)
	if err != nil {
		return fmt.Errorf("set withdrawal credentials %s: %w", userID, err)
	}
	return nil
}
