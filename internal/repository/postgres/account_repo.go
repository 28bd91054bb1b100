package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// SessionDigest is the reverse index from a session secret digest to the
// account that owns the session record. It is rewritten in the same
// transaction as the account row.
type SessionDigest struct {
	Digest    string    `gorm:"primaryKey"`
	AccountID uuid.UUID `gorm:"type:uuid;not null;index"`
}

func (SessionDigest) TableName() string {
	return "account_session_digests"
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *accountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).First(&account, "email = ?", normalizedEmail).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *accountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *accountRepository) FindBySessionDigest(ctx context.Context, digest string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).
		Joins("JOIN account_session_digests ON account_session_digests.account_id = accounts.id").
		Where("account_session_digests.digest = ?", digest).
		First(&account).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *accountRepository) Insert(ctx context.Context, account *domain.Account) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return translateError(err)
		}
		return writeDigests(tx, account)
	})
}

func (r *accountRepository) Replace(ctx context.Context, account *domain.Account) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Account{}).
			Where("id = ? AND version = ?", account.ID, account.Version).
			Updates(map[string]interface{}{
				"display_name":    account.DisplayName,
				"email":           account.Email,
				"password_digest": account.PasswordDigest,
				"sessions":        account.Sessions,
				"version":         gorm.Expr("version + 1"),
				"updated_at":      now,
			})
		if res.Error != nil {
			return translateError(res.Error)
		}
		if res.RowsAffected == 0 {
			return repository.ErrVersionConflict
		}

		if err := tx.Where("account_id = ?", account.ID).Delete(&SessionDigest{}).Error; err != nil {
			return err
		}
		return writeDigests(tx, account)
	})
	if err != nil {
		return err
	}

	account.Version++
	account.UpdatedAt = now
	return nil
}

func writeDigests(tx *gorm.DB, account *domain.Account) error {
	if len(account.Sessions) == 0 {
		return nil
	}
	rows := make([]SessionDigest, 0, len(account.Sessions))
	for _, digest := range account.Digests() {
		rows = append(rows, SessionDigest{Digest: digest, AccountID: account.ID})
	}
	return tx.Create(&rows).Error
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		if strings.Contains(strings.ToLower(pgErr.ConstraintName), "email") {
			return repository.ErrDuplicateEmail
		}
	}
	return err
}
