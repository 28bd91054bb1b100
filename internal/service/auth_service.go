package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/metrics"
	"github.com/dom/credential-service/internal/repository"
	"github.com/dom/credential-service/internal/token"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const MinPasswordLength = 8

var (
	ErrEmailTaken = fmt.Errorf("%w: email already registered", domain.ErrConflict)

	ErrInvalidCredentials   = &domain.AuthError{Reason: "invalid credentials"}
	ErrMissingSessionSecret = &domain.AuthError{Reason: "missing refresh token"}
	ErrInvalidRefreshToken  = &domain.AuthError{Reason: "invalid refresh token"}
	ErrSessionInactive      = &domain.AuthError{Reason: "refresh token expired or revoked"}
	ErrInvalidAccessToken   = &domain.AuthError{Reason: "invalid access token"}

	ErrAccountNotFound = errors.New("account not found")
	ErrSessionNotFound = errors.New("session not found")
)

// TokenCodec is the credential capability the engine is built on.
type TokenCodec interface {
	MintAccessCredential(id token.Identity) (string, error)
	ParseAccessCredential(tokenString string) (*token.AccessClaims, error)
	GenerateSessionSecret() (string, error)
	Digest(secret string) string
	HashPassword(raw string) (string, error)
	VerifyPassword(raw, digest string) bool
}

// SessionNotifier receives events after they have been persisted.
type SessionNotifier interface {
	NotifySessionEvent(event domain.SessionEvent)
}

type EngineConfig struct {
	SessionTTL     time.Duration
	MaxSessions    int
	Eviction       domain.EvictionPolicy
	ReuseDetection bool
	// ReuseGrace is how long after a rotation the old secret may be presented
	// again without counting as reuse. Concurrent refreshes of one secret land
	// inside it.
	ReuseGrace time.Duration
	// MaxAttempts bounds how often a read-modify-write is re-run after a
	// version conflict.
	MaxAttempts int
}

type Option func(*AuthService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *AuthService) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AuthService) { s.metrics = m }
}

func WithNotifier(n SessionNotifier) Option {
	return func(s *AuthService) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// AuthService is the credential lifecycle engine. It keeps no state between
// calls; every operation re-reads the account before mutating it.
type AuthService struct {
	accounts repository.AccountRepository
	codec    TokenCodec
	cfg      EngineConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier SessionNotifier
	now      func() time.Time

	dummyOnce   sync.Once
	dummyDigest string
}

const DefaultReuseGrace = 10 * time.Second

func NewAuthService(accounts repository.AccountRepository, codec TokenCodec, cfg EngineConfig, opts ...Option) *AuthService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = domain.DefaultMaxSessions
	}
	if cfg.Eviction == nil {
		cfg.Eviction = domain.InactiveFirstEviction{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReuseGrace <= 0 {
		cfg.ReuseGrace = DefaultReuseGrace
	}

	s := &AuthService{
		accounts: accounts,
		codec:    codec,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterInput struct {
	DisplayName string
	Email       string
	Password    string
	UserAgent   string
}

type LoginInput struct {
	Email     string
	Password  string
	UserAgent string
}

// AccountView is the part of an account that may leave the engine.
type AccountView struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// AuthResult carries the access credential and the raw session secret. The
// raw secret is not stored anywhere; it is returned exactly once.
type AuthResult struct {
	Account          AccountView
	AccessToken      string
	SessionSecret    string
	SessionID        string
	SessionExpiresAt time.Time
}

type SessionView struct {
	ID        string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	Active    bool
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (result *AuthResult, err error) {
	defer func() { s.metrics.Operation("register", outcome(err)) }()

	displayName := strings.TrimSpace(input.DisplayName)
	email := domain.NormalizeEmail(input.Email)
	if err := validateRegistration(displayName, email, input.Password); err != nil {
		return nil, err
	}

	_, err = s.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, ErrEmailTaken
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeError("find account by email", err)
	}

	passwordDigest, err := s.codec.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	secret, rec, err := s.newSession(now, input.UserAgent)
	if err != nil {
		return nil, err
	}

	account := &domain.Account{
		ID:             uuid.New(),
		DisplayName:    displayName,
		Email:          email,
		PasswordDigest: passwordDigest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	account.AppendSession(rec, s.cfg.MaxSessions, s.cfg.Eviction, now)

	result, err = s.result(account, secret, rec)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Insert(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, storeError("insert account", err)
	}

	s.logger.Info("account registered", "account_id", account.ID, "session_id", rec.ID)
	return result, nil
}

func validateRegistration(displayName, email, password string) error {
	if displayName == "" {
		return &domain.ValidationError{Field: "displayName", Reason: "must not be blank"}
	}
	if email == "" {
		return &domain.ValidationError{Field: "email", Reason: "must not be blank"}
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return &domain.ValidationError{
			Field:  "password",
			Reason: fmt.Sprintf("must be at least %d characters", MinPasswordLength),
		}
	}
	return nil
}

// Login reports ErrInvalidCredentials for both an unknown email and a wrong
// password.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (result *AuthResult, err error) {
	defer func() { s.metrics.Operation("login", outcome(err)) }()

	email := domain.NormalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, ErrInvalidCredentials
	}

	err = s.withRetry(ctx, "login", func(now time.Time) error {
		account, err := s.accounts.FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrNotFound) {
			// Spend the same bcrypt work as a real comparison.
			s.codec.VerifyPassword(input.Password, s.dummyPasswordDigest())
			return ErrInvalidCredentials
		}
		if err != nil {
			return storeError("find account by email", err)
		}
		if !s.codec.VerifyPassword(input.Password, account.PasswordDigest) {
			return ErrInvalidCredentials
		}

		secret, rec, err := s.newSession(now, input.UserAgent)
		if err != nil {
			return err
		}
		evicted := account.AppendSession(rec, s.cfg.MaxSessions, s.cfg.Eviction, now)

		// Mint first so a failure leaves nothing persisted.
		minted, err := s.result(account, secret, rec)
		if err != nil {
			return err
		}
		if err := s.replace(ctx, account); err != nil {
			return err
		}

		s.notifyEvicted(account.ID, evicted)
		s.logger.Info("login", "account_id", account.ID, "session_id", rec.ID, "evicted", len(evicted))
		result = minted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refresh exchanges an active session secret for a new access credential and
// a new session secret. The presented record is revoked and linked to its
// successor in the same write.
func (s *AuthService) Refresh(ctx context.Context, sessionSecret string) (result *AuthResult, err error) {
	defer func() { s.metrics.Operation("refresh", outcome(err)) }()

	if strings.TrimSpace(sessionSecret) == "" {
		return nil, ErrMissingSessionSecret
	}
	digest := s.codec.Digest(sessionSecret)

	err = s.withRetry(ctx, "refresh", func(now time.Time) error {
		account, err := s.accounts.FindBySessionDigest(ctx, digest)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return storeError("find account by session", err)
		}

		current := account.FindSession(digest)
		if current == nil {
			return ErrSessionInactive
		}
		if !current.Active(now) {
			if s.cfg.ReuseDetection && current.Rotated() && !s.withinReuseGrace(current, now) {
				if err := s.revokeSuccessors(ctx, account, current, now); err != nil {
					return err
				}
			}
			return ErrSessionInactive
		}

		secret, next, err := s.newSession(now, current.UserAgent)
		if err != nil {
			return err
		}
		previousID := current.ID
		current.MarkRotated(now, next.SecretDigest)
		evicted := account.AppendSession(next, s.cfg.MaxSessions, s.cfg.Eviction, now)

		minted, err := s.result(account, secret, next)
		if err != nil {
			return err
		}
		if err := s.replace(ctx, account); err != nil {
			return err
		}

		s.notifyEvicted(account.ID, evicted)
		s.logger.Debug("session rotated", "account_id", account.ID, "from", previousID, "to", next.ID)
		result = minted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withinReuseGrace reports whether rec was rotated so recently that presenting
// it again is more likely a lost race than a stolen secret.
func (s *AuthService) withinReuseGrace(rec *domain.SessionRecord, now time.Time) bool {
	return rec.RevokedAt != nil && now.Sub(*rec.RevokedAt) <= s.cfg.ReuseGrace
}

// revokeSuccessors handles a rotated secret being presented again: every
// record further down its rotation chain is revoked.
func (s *AuthService) revokeSuccessors(ctx context.Context, account *domain.Account, rec *domain.SessionRecord, now time.Time) error {
	var revoked []string
	digest := rec.ReplacedByDigest
	for i := 0; digest != "" && i < len(account.Sessions); i++ {
		next := account.FindSession(digest)
		if next == nil {
			break
		}
		if next.Revoke(now) {
			revoked = append(revoked, next.ID)
		}
		digest = next.ReplacedByDigest
	}

	s.metrics.ReuseDetected()
	s.logger.Warn("rotated refresh token presented again", "account_id", account.ID, "session_id", rec.ID, "revoked", len(revoked))
	if len(revoked) == 0 {
		return nil
	}

	if err := s.replace(ctx, account); err != nil {
		return err
	}
	s.notify(domain.SessionEvent{AccountID: account.ID, Kind: domain.SessionEventRevoked, SessionIDs: revoked})
	return nil
}

// Revoke ends the session identified by the raw secret. Unknown, blank and
// already revoked secrets are successful no-ops so logout can call it
// unconditionally.
func (s *AuthService) Revoke(ctx context.Context, sessionSecret string) (err error) {
	defer func() { s.metrics.Operation("revoke", outcome(err)) }()

	if strings.TrimSpace(sessionSecret) == "" {
		return nil
	}
	digest := s.codec.Digest(sessionSecret)

	return s.withRetry(ctx, "revoke", func(now time.Time) error {
		account, err := s.accounts.FindBySessionDigest(ctx, digest)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeError("find account by session", err)
		}

		rec := account.FindSession(digest)
		if rec == nil || !rec.Revoke(now) {
			return nil
		}
		if err := s.replace(ctx, account); err != nil {
			return err
		}

		s.notify(domain.SessionEvent{AccountID: account.ID, Kind: domain.SessionEventRevoked, SessionIDs: []string{rec.ID}})
		s.logger.Info("session revoked", "account_id", account.ID, "session_id", rec.ID)
		return nil
	})
}

// RevokeSession revokes one of the caller's own sessions by its public id.
func (s *AuthService) RevokeSession(ctx context.Context, accountID uuid.UUID, sessionID string) (err error) {
	defer func() { s.metrics.Operation("revoke_session", outcome(err)) }()

	return s.withRetry(ctx, "revoke_session", func(now time.Time) error {
		account, err := s.findAccount(ctx, accountID)
		if err != nil {
			return err
		}

		rec := account.FindSessionByID(sessionID)
		if rec == nil {
			return ErrSessionNotFound
		}
		if !rec.Revoke(now) {
			return nil
		}
		if err := s.replace(ctx, account); err != nil {
			return err
		}

		s.notify(domain.SessionEvent{AccountID: account.ID, Kind: domain.SessionEventRevoked, SessionIDs: []string{rec.ID}})
		return nil
	})
}

// RevokeAll revokes every active session of the account.
func (s *AuthService) RevokeAll(ctx context.Context, accountID uuid.UUID) (err error) {
	defer func() { s.metrics.Operation("revoke_all", outcome(err)) }()

	return s.withRetry(ctx, "revoke_all", func(now time.Time) error {
		account, err := s.findAccount(ctx, accountID)
		if err != nil {
			return err
		}

		var revoked []string
		for i := range account.Sessions {
			if account.Sessions[i].Active(now) && account.Sessions[i].Revoke(now) {
				revoked = append(revoked, account.Sessions[i].ID)
			}
		}
		if len(revoked) == 0 {
			return nil
		}
		if err := s.replace(ctx, account); err != nil {
			return err
		}

		s.notify(domain.SessionEvent{AccountID: account.ID, Kind: domain.SessionEventRevokedAll, SessionIDs: revoked})
		s.logger.Info("all sessions revoked", "account_id", account.ID, "count", len(revoked))
		return nil
	})
}

// ListSessions returns the account's retained sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, accountID uuid.UUID) ([]SessionView, error) {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]SessionView, 0, len(account.Sessions))
	for i := len(account.Sessions) - 1; i >= 0; i-- {
		rec := account.Sessions[i]
		views = append(views, SessionView{
			ID:        rec.ID,
			UserAgent: rec.UserAgent,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			RevokedAt: rec.RevokedAt,
			Active:    rec.Active(now),
		})
	}
	return views, nil
}

func (s *AuthService) GetAccount(ctx context.Context, id uuid.UUID) (*AccountView, error) {
	account, err := s.findAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	view := viewOf(account)
	return &view, nil
}

func (s *AuthService) ValidateAccessToken(tokenString string) (*token.AccessClaims, error) {
	claims, err := s.codec.ParseAccessCredential(tokenString)
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

func (s *AuthService) findAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storeError("find account", err)
	}
	return account, nil
}

func (s *AuthService) newSession(now time.Time, userAgent string) (string, domain.SessionRecord, error) {
	secret, err := s.codec.GenerateSessionSecret()
	if err != nil {
		return "", domain.SessionRecord{}, fmt.Errorf("generate session secret: %w", err)
	}
	rec := domain.SessionRecord{
		ID:           ulid.Make().String(),
		SecretDigest: s.codec.Digest(secret),
		UserAgent:    userAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}
	return secret, rec, nil
}

func (s *AuthService) result(account *domain.Account, secret string, rec domain.SessionRecord) (*AuthResult, error) {
	view := viewOf(account)
	accessToken, err := s.codec.MintAccessCredential(token.Identity{
		AccountID:   account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mint access credential: %w", err)
	}
	return &AuthResult{
		Account:          view,
		AccessToken:      accessToken,
		SessionSecret:    secret,
		SessionID:        rec.ID,
		SessionExpiresAt: rec.ExpiresAt,
	}, nil
}

// replace passes ErrVersionConflict through untouched so withRetry can see it.
func (s *AuthService) replace(ctx context.Context, account *domain.Account) error {
	err := s.accounts.Replace(ctx, account)
	if err == nil || errors.Is(err, repository.ErrVersionConflict) {
		return err
	}
	return storeError("replace account", err)
}

func (s *AuthService) withRetry(ctx context.Context, op string, fn func(now time.Time) error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = fn(s.now())
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		s.metrics.VersionConflict(op)
		s.logger.Debug("account version conflict, retrying", "operation", op, "attempt", attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storeError(op, ctxErr)
		}
	}
	return storeError(op, err)
}

func (s *AuthService) notifyEvicted(accountID uuid.UUID, evicted []domain.SessionRecord) {
	if len(evicted) == 0 {
		return
	}
	s.metrics.SessionsEvicted(len(evicted))

	ids := make([]string, 0, len(evicted))
	for _, rec := range evicted {
		ids = append(ids, rec.ID)
	}
	s.notify(domain.SessionEvent{AccountID: accountID, Kind: domain.SessionEventEvicted, SessionIDs: ids})
}

func (s *AuthService) notify(event domain.SessionEvent) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifySessionEvent(event)
}

func (s *AuthService) dummyPasswordDigest() string {
	s.dummyOnce.Do(func() {
		s.dummyDigest, _ = s.codec.HashPassword(uuid.NewString())
	})
	return s.dummyDigest
}

func viewOf(account *domain.Account) AccountView {
	return AccountView{
		ID:          account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
		CreatedAt:   account.CreatedAt,
	}
}

func storeError(op string, err error) error {
	return &domain.StoreError{Op: op, Err: err}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation_error"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrAuth):
		return "auth_error"
	case errors.Is(err, domain.ErrStore):
		return "store_error"
	default:
		return "error"
	}
}
