package service

import (
	"github.com/dom/credential-service/internal/config"
	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/repository"
	"github.com/dom/credential-service/internal/token"
)

type Services struct {
	Auth  *AuthService
	Codec *token.Codec
}

// EngineConfigFrom translates environment settings into engine settings.
func EngineConfigFrom(cfg *config.Config) (EngineConfig, error) {
	policy, err := domain.ParseEvictionPolicy(cfg.SessionEviction)
	if err != nil {
		return EngineConfig{}, err
	}
	return EngineConfig{
		SessionTTL:     cfg.SessionTTL(),
		MaxSessions:    cfg.MaxSessionsPerAccount,
		Eviction:       policy,
		ReuseDetection: cfg.ReuseDetection,
		ReuseGrace:     cfg.ReuseGrace(),
		MaxAttempts:    cfg.StoreConflictRetries,
	}, nil
}

func NewServices(repos *repository.Repositories, cfg *config.Config, opts ...Option) (*Services, error) {
	engineCfg, err := EngineConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	codec := token.NewCodec(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL(), cfg.BcryptCost)
	return &Services{
		Auth:  NewAuthService(repos.Account, codec, engineCfg, opts...),
		Codec: codec,
	}, nil
}
