// Package memory provides an in-process AccountRepository with the same
// version-checked Replace semantics as the postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/repository"
	"github.com/google/uuid"
)

type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.Account
	byEmail  map[string]uuid.UUID
	byDigest map[string]uuid.UUID
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		accounts: make(map[uuid.UUID]*domain.Account),
		byEmail:  make(map[string]uuid.UUID),
		byDigest: make(map[string]uuid.UUID),
	}
}

func NewRepositories() *repository.Repositories {
	return &repository.Repositories{
		Account: NewAccountRepository(),
	}
}

func (r *AccountRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[normalizedEmail]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.accounts[id].Clone(), nil
}

func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return account.Clone(), nil
}

func (r *AccountRepository) FindBySessionDigest(ctx context.Context, digest string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byDigest[digest]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.accounts[id].Clone(), nil
}

func (r *AccountRepository) Insert(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[account.Email]; exists {
		return repository.ErrDuplicateEmail
	}

	stored := account.Clone()
	r.accounts[account.ID] = stored
	r.byEmail[account.Email] = account.ID
	r.indexDigests(stored)
	return nil
}

func (r *AccountRepository) Replace(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.accounts[account.ID]
	if !ok || current.Version != account.Version {
		return repository.ErrVersionConflict
	}
	if current.Email != account.Email {
		if _, taken := r.byEmail[account.Email]; taken {
			return repository.ErrDuplicateEmail
		}
		delete(r.byEmail, current.Email)
		r.byEmail[account.Email] = account.ID
	}

	for _, digest := range current.Digests() {
		delete(r.byDigest, digest)
	}

	account.Version++
	account.UpdatedAt = time.Now()
	stored := account.Clone()
	r.accounts[account.ID] = stored
	r.indexDigests(stored)
	return nil
}

func (r *AccountRepository) indexDigests(account *domain.Account) {
	for _, digest := range account.Digests() {
		r.byDigest[digest] = account.ID
	}
}
