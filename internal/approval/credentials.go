package approval

import (
	"OptionLedger/internal/model"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Credentials looks up a user's withdrawal password hash. A user without
// one yields ErrNotFound.
type Credentials interface {
	WithdrawalPasswordHash(ctx context.Context, userID uuid.UUID) ([]byte, error)
}

// HashPassword returns the bcrypt hash stored for a withdrawal password.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func verifyPassword(ctx context.Context, creds Credentials, userID uuid.UUID, password string) error {
	if password == "" {
		return model.Errorf(model.ErrBadCredentials, "password is required")
	}
	hash, err := creds.WithdrawalPasswordHash(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Errorf(model.ErrBadCredentials, "no withdrawal password set")
	}
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return model.Errorf(model.ErrBadCredentials, "password mismatch")
	}
	return nil
}

// MemoryCredentials keeps hashes in process memory.
type MemoryCredentials struct {
	mu     sync.RWMutex
	hashes map[uuid.UUID][]byte
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{hashes: make(map[uuid.UUID][]byte)}
}

// SetHash stores an already-hashed password.
func (m *MemoryCredentials) SetHash(userID uuid.UUID, hash []byte) {
	m.mu.Lock()
	m.hashes[userID] = append([]byte(nil), hash...)
	m.mu.Unlock()
}

func (m *MemoryCredentials) WithdrawalPasswordHash(_ context.Context, userID uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[userID]
	if !ok {
		return nil, model.Errorf(model.ErrNotFound, "withdrawal password for %s", userID)
	}
	return h, nil
}
