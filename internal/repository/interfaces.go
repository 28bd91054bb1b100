package repository

import (
	"context"
	"errors"

	"github.com/dom/credential-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrVersionConflict = errors.New("account was modified concurrently")
)

// AccountRepository is the durable store of accounts and their embedded
// session records. Replace is a full overwrite guarded by Account.Version: it
// fails with ErrVersionConflict if the stored version advanced since the
// account was read, and increments Version on success.
type AccountRepository interface {
	FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	FindBySessionDigest(ctx context.Context, digest string) (*domain.Account, error)
	Insert(ctx context.Context, account *domain.Account) error
	Replace(ctx context.Context, account *domain.Account) error
}

type Repositories struct {
	Account AccountRepository
}
