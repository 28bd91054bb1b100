package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL())
	assert.Equal(t, 20, cfg.MaxSessionsPerAccount)
	assert.Equal(t, "inactive-first", cfg.SessionEviction)
	assert.False(t, cfg.ReuseDetection)
	assert.Equal(t, 10*time.Second, cfg.ReuseGrace())
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "5")
	t.Setenv("SESSION_TTL_DAYS", "30")
	t.Setenv("MAX_SESSIONS_PER_ACCOUNT", "3")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL())
	assert.Equal(t, 3, cfg.MaxSessionsPerAccount)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing jwt secret", env: map[string]string{"JWT_SECRET": ""}},
		{name: "non-positive session ttl", env: map[string]string{"JWT_SECRET": "s", "SESSION_TTL_DAYS": "0"}},
		{name: "non-positive session cap", env: map[string]string{"JWT_SECRET": "s", "MAX_SESSIONS_PER_ACCOUNT": "-1"}},
		{name: "unknown store driver", env: map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "mongo"}},
		{name: "non-positive reuse grace", env: map[string]string{"JWT_SECRET": "s", "SESSION_REUSE_GRACE_SECONDS": "0"}},
		{name: "malformed integer", env: map[string]string{"JWT_SECRET": "s", "SESSION_TTL_DAYS": "seven"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
