package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/repository"
	"github.com/dom/credential-service/internal/repository/memory"
	"github.com/dom/credential-service/internal/service"
	"github.com/dom/credential-service/internal/testutil"
	"github.com/dom/credential-service/internal/token"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engine struct {
	svc   *service.AuthService
	repo  *memory.AccountRepository
	codec *token.Codec
	clock *clock
	seen  *recordingNotifier
}

func newEngine(t *testing.T, cfg service.EngineConfig) *engine {
	t.Helper()
	return newEngineWithRepo(t, cfg, nil)
}

func newEngineWithRepo(t *testing.T, cfg service.EngineConfig, wrap func(repository.AccountRepository) repository.AccountRepository) *engine {
	t.Helper()

	repo := memory.NewAccountRepository()
	var accounts repository.AccountRepository = repo
	if wrap != nil {
		accounts = wrap(repo)
	}
	codec := token.NewCodec("test-jwt-secret", "credential-service", 15*time.Minute, bcrypt.MinCost)
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	seen := &recordingNotifier{}

	svc := service.NewAuthService(accounts, codec, cfg, service.WithClock(c.Now), service.WithNotifier(seen))
	return &engine{svc: svc, repo: repo, codec: codec, clock: c, seen: seen}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (n *recordingNotifier) NotifySessionEvent(event domain.SessionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []domain.SessionEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.SessionEventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

func register(t *testing.T, e *engine, email string) *service.AuthResult {
	t.Helper()
	result, err := e.svc.Register(context.Background(), service.RegisterInput{
		DisplayName: "Ada",
		Email:       email,
		Password:    "password1",
	})
	require.NoError(t, err)
	return result
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name    string
		input   service.RegisterInput
		setup   func(e *engine)
		wantErr error
	}{
		{
			name:  "successful registration",
			input: service.RegisterInput{DisplayName: "Ada", Email: "ada@x.com", Password: "password1"},
		},
		{
			name:  "password of exactly eight characters",
			input: service.RegisterInput{DisplayName: "Ada", Email: "ada@x.com", Password: "12345678"},
		},
		{
			name:    "password of seven characters",
			input:   service.RegisterInput{DisplayName: "Ada", Email: "ada@x.com", Password: "1234567"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "blank display name",
			input:   service.RegisterInput{DisplayName: "   ", Email: "ada@x.com", Password: "password1"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "blank email",
			input:   service.RegisterInput{DisplayName: "Ada", Email: "  ", Password: "password1"},
			wantErr: domain.ErrValidation,
		},
		{
			name:  "duplicate email after normalization",
			input: service.RegisterInput{DisplayName: "Ada", Email: "A@B.com", Password: "password1"},
			setup: func(e *engine) {
				register(t, e, "a@b.com")
			},
			wantErr: domain.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, service.EngineConfig{})
			if tt.setup != nil {
				tt.setup(e)
			}

			result, err := e.svc.Register(context.Background(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, result.AccessToken)
			assert.NotEmpty(t, result.SessionSecret)
			assert.Equal(t, domain.NormalizeEmail(tt.input.Email), result.Account.Email)

			stored, err := e.repo.FindByID(context.Background(), result.Account.ID)
			require.NoError(t, err)
			require.Len(t, stored.Sessions, 1)
			assert.NotEqual(t, result.SessionSecret, stored.Sessions[0].SecretDigest)
			assert.Equal(t, e.codec.Digest(result.SessionSecret), stored.Sessions[0].SecretDigest)
			assert.NotEqual(t, tt.input.Password, stored.PasswordDigest)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	e := newEngine(t, service.EngineConfig{})
	registered := register(t, e, "ada@x.com")

	tests := []struct {
		name    string
		input   service.LoginInput
		wantErr error
	}{
		{
			name:  "successful login",
			input: service.LoginInput{Email: " ADA@x.com ", Password: "password1"},
		},
		{
			name:    "wrong password",
			input:   service.LoginInput{Email: "ada@x.com", Password: "password2"},
			wantErr: service.ErrInvalidCredentials,
		},
		{
			name:    "non-existent account",
			input:   service.LoginInput{Email: "nobody@x.com", Password: "password1"},
			wantErr: service.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.svc.Login(context.Background(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, domain.ErrAuth)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, registered.Account.ID, result.Account.ID)
			assert.NotEqual(t, registered.SessionSecret, result.SessionSecret)
		})
	}
}

func TestAuthService_LoginPrunesToCap(t *testing.T) {
	e := newEngine(t, service.EngineConfig{Eviction: domain.RecencyEviction{}})
	registered := register(t, e, "ada@x.com")
	ctx := context.Background()

	var secrets []string
	for i := 0; i < domain.DefaultMaxSessions+5; i++ {
		result, err := e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
		require.NoError(t, err)
		secrets = append(secrets, result.SessionSecret)
	}

	stored, err := e.repo.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)
	require.Len(t, stored.Sessions, domain.DefaultMaxSessions)

	recent := secrets[len(secrets)-domain.DefaultMaxSessions:]
	for i, secret := range recent {
		assert.Equal(t, e.codec.Digest(secret), stored.Sessions[i].SecretDigest)
	}
	assert.Contains(t, e.seen.kinds(), domain.SessionEventEvicted)

	_, err = e.svc.Refresh(ctx, secrets[0])
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestAuthService_InactiveFirstKeepsActiveSessions(t *testing.T) {
	e := newEngine(t, service.EngineConfig{MaxSessions: 3})
	registered := register(t, e, "ada@x.com")
	ctx := context.Background()

	// Rotating twice leaves two revoked records behind.
	r2, err := e.svc.Refresh(ctx, registered.SessionSecret)
	require.NoError(t, err)
	r3, err := e.svc.Refresh(ctx, r2.SessionSecret)
	require.NoError(t, err)

	other, err := e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
	require.NoError(t, err)
	another, err := e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
	require.NoError(t, err)

	stored, err := e.repo.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)
	require.Len(t, stored.Sessions, 3)
	for _, rec := range stored.Sessions {
		assert.Nil(t, rec.RevokedAt)
	}

	for _, secret := range []string{r3.SessionSecret, other.SessionSecret, another.SessionSecret} {
		_, err := e.svc.Refresh(ctx, secret)
		assert.NoError(t, err)
	}
}

func TestAuthService_Refresh(t *testing.T) {
	e := newEngine(t, service.EngineConfig{})
	ctx := context.Background()
	registered := register(t, e, "ada@x.com")

	t.Run("blank secret", func(t *testing.T) {
		_, err := e.svc.Refresh(ctx, "  ")
		assert.ErrorIs(t, err, domain.ErrAuth)
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := e.svc.Refresh(ctx, "never-issued")
		assert.ErrorIs(t, err, service.ErrInvalidRefreshToken)
	})

	t.Run("rotation links predecessor to successor", func(t *testing.T) {
		rotated, err := e.svc.Refresh(ctx, registered.SessionSecret)
		require.NoError(t, err)
		assert.NotEqual(t, registered.SessionSecret, rotated.SessionSecret)
		assert.NotEmpty(t, rotated.AccessToken)
		assert.Equal(t, registered.Account.ID, rotated.Account.ID)

		stored, err := e.repo.FindByID(ctx, registered.Account.ID)
		require.NoError(t, err)
		old := stored.FindSession(e.codec.Digest(registered.SessionSecret))
		require.NotNil(t, old)
		assert.NotNil(t, old.RevokedAt)
		assert.Equal(t, e.codec.Digest(rotated.SessionSecret), old.ReplacedByDigest)

		_, err = e.svc.Refresh(ctx, registered.SessionSecret)
		assert.ErrorIs(t, err, domain.ErrAuth)
	})
}

func TestAuthService_RefreshExpired(t *testing.T) {
	e := newEngine(t, service.EngineConfig{SessionTTL: time.Hour})
	registered := register(t, e, "ada@x.com")

	e.clock.Advance(time.Hour)
	_, err := e.svc.Refresh(context.Background(), registered.SessionSecret)
	assert.ErrorIs(t, err, service.ErrSessionInactive)
}

func TestAuthService_RefreshReuseRevokesSuccessors(t *testing.T) {
	ctx := context.Background()

	t.Run("with reuse detection", func(t *testing.T) {
		e := newEngine(t, service.EngineConfig{ReuseDetection: true})
		r1 := register(t, e, "ada@x.com")
		r2, err := e.svc.Refresh(ctx, r1.SessionSecret)
		require.NoError(t, err)
		r3, err := e.svc.Refresh(ctx, r2.SessionSecret)
		require.NoError(t, err)

		e.clock.Advance(time.Minute)
		_, err = e.svc.Refresh(ctx, r1.SessionSecret)
		assert.ErrorIs(t, err, domain.ErrAuth)

		_, err = e.svc.Refresh(ctx, r3.SessionSecret)
		assert.ErrorIs(t, err, service.ErrSessionInactive)
		assert.Contains(t, e.seen.kinds(), domain.SessionEventRevoked)
	})

	t.Run("replay within grace window keeps successor usable", func(t *testing.T) {
		e := newEngine(t, service.EngineConfig{ReuseDetection: true, ReuseGrace: 5 * time.Second})
		r1 := register(t, e, "ada@x.com")
		r2, err := e.svc.Refresh(ctx, r1.SessionSecret)
		require.NoError(t, err)

		e.clock.Advance(2 * time.Second)
		_, err = e.svc.Refresh(ctx, r1.SessionSecret)
		assert.ErrorIs(t, err, service.ErrSessionInactive)

		_, err = e.svc.Refresh(ctx, r2.SessionSecret)
		assert.NoError(t, err)
		assert.NotContains(t, e.seen.kinds(), domain.SessionEventRevoked)
	})

	t.Run("without reuse detection", func(t *testing.T) {
		e := newEngine(t, service.EngineConfig{ReuseDetection: false})
		r1 := register(t, e, "ada@x.com")
		r2, err := e.svc.Refresh(ctx, r1.SessionSecret)
		require.NoError(t, err)

		_, err = e.svc.Refresh(ctx, r1.SessionSecret)
		assert.ErrorIs(t, err, domain.ErrAuth)

		_, err = e.svc.Refresh(ctx, r2.SessionSecret)
		assert.NoError(t, err)
	})
}

func TestAuthService_ConcurrentRefreshSingleWinner(t *testing.T) {
	shipping, err := service.EngineConfigFrom(testutil.TestConfig())
	require.NoError(t, err)
	detecting := shipping
	detecting.ReuseDetection = true

	tests := []struct {
		name string
		cfg  service.EngineConfig
	}{
		{name: "high retry budget", cfg: service.EngineConfig{MaxAttempts: 10}},
		{name: "configured defaults", cfg: shipping},
		{name: "configured defaults with reuse detection", cfg: detecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.cfg)
			registered := register(t, e, "ada@x.com")
			ctx := context.Background()

			const workers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			var winners []*service.AuthResult
			var failures []error

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := e.svc.Refresh(ctx, registered.SessionSecret)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						winners = append(winners, res)
						return
					}
					failures = append(failures, err)
				}()
			}
			wg.Wait()

			// Losers either see the rotated record or run out of retries.
			require.Len(t, winners, 1)
			for _, err := range failures {
				if !errors.Is(err, domain.ErrAuth) {
					assert.ErrorIs(t, err, domain.ErrStore)
				}
			}

			next, err := e.svc.Refresh(ctx, winners[0].SessionSecret)
			require.NoError(t, err)
			assert.NotEqual(t, winners[0].SessionSecret, next.SessionSecret)
		})
	}
}

type failingMintCodec struct {
	*token.Codec
}

func (failingMintCodec) MintAccessCredential(token.Identity) (string, error) {
	return "", errors.New("signing key unavailable")
}

func TestAuthService_MintFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, service.EngineConfig{})
	registered := register(t, e, "ada@x.com")

	broken := service.NewAuthService(e.repo, failingMintCodec{e.codec}, service.EngineConfig{}, service.WithClock(e.clock.Now))

	t.Run("register", func(t *testing.T) {
		_, err := broken.Register(ctx, service.RegisterInput{DisplayName: "Bob", Email: "bob@x.com", Password: "password1"})
		require.Error(t, err)
		_, err = e.repo.FindByEmail(ctx, "bob@x.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("login", func(t *testing.T) {
		_, err := broken.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
		require.Error(t, err)
		stored, err := e.repo.FindByID(ctx, registered.Account.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Sessions, 1)
	})

	t.Run("refresh", func(t *testing.T) {
		_, err := broken.Refresh(ctx, registered.SessionSecret)
		require.Error(t, err)

		next, err := e.svc.Refresh(ctx, registered.SessionSecret)
		require.NoError(t, err)
		assert.NotEmpty(t, next.AccessToken)
	})
}

func TestAuthService_Revoke(t *testing.T) {
	e := newEngine(t, service.EngineConfig{})
	ctx := context.Background()
	registered := register(t, e, "ada@x.com")
	digest := e.codec.Digest(registered.SessionSecret)

	require.NoError(t, e.svc.Revoke(ctx, ""))
	require.NoError(t, e.svc.Revoke(ctx, "never-issued"))

	require.NoError(t, e.svc.Revoke(ctx, registered.SessionSecret))
	stored, err := e.repo.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)
	first := stored.FindSession(digest).RevokedAt
	require.NotNil(t, first)

	e.clock.Advance(time.Minute)
	require.NoError(t, e.svc.Revoke(ctx, registered.SessionSecret))
	stored, err = e.repo.FindByID(ctx, registered.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, *first, *stored.FindSession(digest).RevokedAt)

	_, err = e.svc.Refresh(ctx, registered.SessionSecret)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestAuthService_EndToEnd(t *testing.T) {
	e := newEngine(t, service.EngineConfig{ReuseDetection: true})
	ctx := context.Background()

	r1, err := e.svc.Register(ctx, service.RegisterInput{DisplayName: "Ada", Email: "ada@x.com", Password: "password1"})
	require.NoError(t, err)
	assert.NotEmpty(t, r1.AccessToken)

	r2, err := e.svc.Refresh(ctx, r1.SessionSecret)
	require.NoError(t, err)
	assert.NotEqual(t, r1.SessionSecret, r2.SessionSecret)

	_, err = e.svc.Refresh(ctx, r1.SessionSecret)
	assert.ErrorIs(t, err, domain.ErrAuth)

	require.NoError(t, e.svc.Revoke(ctx, r2.SessionSecret))

	_, err = e.svc.Refresh(ctx, r2.SessionSecret)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestAuthService_SessionManagement(t *testing.T) {
	e := newEngine(t, service.EngineConfig{})
	ctx := context.Background()
	registered := register(t, e, "ada@x.com")
	second, err := e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1", UserAgent: "cli"})
	require.NoError(t, err)

	sessions, err := e.svc.ListSessions(ctx, registered.Account.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.SessionID, sessions[0].ID)
	assert.Equal(t, "cli", sessions[0].UserAgent)
	assert.True(t, sessions[1].Active)

	require.NoError(t, e.svc.RevokeSession(ctx, registered.Account.ID, registered.SessionID))
	require.NoError(t, e.svc.RevokeSession(ctx, registered.Account.ID, registered.SessionID))
	assert.ErrorIs(t, e.svc.RevokeSession(ctx, registered.Account.ID, "missing"), service.ErrSessionNotFound)

	_, err = e.svc.Refresh(ctx, registered.SessionSecret)
	assert.ErrorIs(t, err, domain.ErrAuth)

	require.NoError(t, e.svc.RevokeAll(ctx, registered.Account.ID))
	_, err = e.svc.Refresh(ctx, second.SessionSecret)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, e.seen.kinds(), domain.SessionEventRevokedAll)

	_, err = e.svc.ListSessions(ctx, uuid.New())
	assert.ErrorIs(t, err, service.ErrAccountNotFound)
}

func TestAuthService_ValidateAccessToken(t *testing.T) {
	e := newEngine(t, service.EngineConfig{})
	registered := register(t, e, "ada@x.com")

	claims, err := e.svc.ValidateAccessToken(registered.AccessToken)
	require.NoError(t, err)
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, registered.Account.ID, id)

	_, err = e.svc.ValidateAccessToken("invalid.token.here")
	assert.ErrorIs(t, err, domain.ErrAuth)

	account, err := e.svc.GetAccount(context.Background(), registered.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@x.com", account.Email)
}

// conflictingRepo fails the first n Replace calls with a version conflict.
type conflictingRepo struct {
	repository.AccountRepository
	mu        sync.Mutex
	remaining int
	calls     int
}

func (r *conflictingRepo) Replace(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	r.calls++
	if r.remaining > 0 {
		r.remaining--
		r.mu.Unlock()
		return repository.ErrVersionConflict
	}
	r.mu.Unlock()
	return r.AccountRepository.Replace(ctx, account)
}

type failingRepo struct {
	repository.AccountRepository
	err error
}

func (r *failingRepo) FindBySessionDigest(context.Context, string) (*domain.Account, error) {
	return nil, r.err
}

func (r *failingRepo) FindByEmail(context.Context, string) (*domain.Account, error) {
	return nil, r.err
}

func TestAuthService_VersionConflictRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until the replace succeeds", func(t *testing.T) {
		conflicts := &conflictingRepo{}
		e := newEngineWithRepo(t, service.EngineConfig{MaxAttempts: 3}, func(r repository.AccountRepository) repository.AccountRepository {
			conflicts.AccountRepository = r
			return conflicts
		})
		registered := register(t, e, "ada@x.com")

		conflicts.remaining = 2
		_, err := e.svc.Refresh(ctx, registered.SessionSecret)
		require.NoError(t, err)
		assert.Equal(t, 3, conflicts.calls)
	})

	t.Run("gives up as a store error", func(t *testing.T) {
		conflicts := &conflictingRepo{}
		e := newEngineWithRepo(t, service.EngineConfig{MaxAttempts: 2}, func(r repository.AccountRepository) repository.AccountRepository {
			conflicts.AccountRepository = r
			return conflicts
		})
		registered := register(t, e, "ada@x.com")

		conflicts.remaining = 5
		_, err := e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
		assert.ErrorIs(t, err, domain.ErrStore)
		assert.ErrorIs(t, err, repository.ErrVersionConflict)

		conflicts.remaining = 0
		_, err = e.svc.Refresh(ctx, registered.SessionSecret)
		assert.NoError(t, err)
	})
}

func TestAuthService_StoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	e := newEngineWithRepo(t, service.EngineConfig{}, func(r repository.AccountRepository) repository.AccountRepository {
		return &failingRepo{AccountRepository: r, err: boom}
	})

	_, err := e.svc.Refresh(ctx, "some-secret")
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.ErrorIs(t, err, boom)

	err = e.svc.Revoke(ctx, "some-secret")
	assert.ErrorIs(t, err, domain.ErrStore)

	_, err = e.svc.Login(ctx, service.LoginInput{Email: "ada@x.com", Password: "password1"})
	assert.ErrorIs(t, err, domain.ErrStore)

	_, err = e.svc.Register(ctx, service.RegisterInput{DisplayName: "Ada", Email: "ada@x.com", Password: "password1"})
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.NotErrorIs(t, err, domain.ErrAuth, fmt.Sprintf("%v", err))
}
