package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dom/credential-service/internal/api"
	"github.com/dom/credential-service/internal/config"
	"github.com/dom/credential-service/internal/metrics"
	"github.com/dom/credential-service/internal/repository"
	"github.com/dom/credential-service/internal/repository/memory"
	repoPostgres "github.com/dom/credential-service/internal/repository/postgres"
	"github.com/dom/credential-service/internal/service"
	"github.com/dom/credential-service/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB manages a testcontainers PostgreSQL instance
type TestDB struct {
	Container testcontainers.Container
	DB        *gorm.DB
	DSN       string
}

// NewTestDB creates a new PostgreSQL testcontainer and returns a migrated connection
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()

	container, err := tcPostgres.Run(ctx,
		"postgres:15-alpine",
		tcPostgres.WithDatabase("test_credentials"),
		tcPostgres.WithUsername("test"),
		tcPostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	testDB := &TestDB{Container: container}
	t.Cleanup(testDB.Cleanup)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	testDB.DSN = dsn

	db, err := gorm.Open(gormPostgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	testDB.DB = db

	if err := repoPostgres.Migrate(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return testDB
}

// Cleanup terminates the container
func (tdb *TestDB) Cleanup() {
	if tdb.Container != nil {
		tdb.Container.Terminate(context.Background())
	}
}

// Truncate clears all tables for test isolation
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	for _, table := range []string{"account_session_digests", "accounts"} {
		if err := tdb.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)).Error; err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	}
}

// TestConfig returns a configuration suitable for testing
func TestConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Environment:           "test",
		AllowedOrigins:        []string{"http://localhost:3000"},
		LogLevel:              "error",
		StoreDriver:           "memory",
		JWTSecret:             "test-jwt-secret-key-for-testing-only",
		JWTIssuer:             "credential-service-test",
		AccessTokenTTLMinutes: 15,
		SessionTTLDays:        7,
		MaxSessionsPerAccount: 20,
		SessionEviction:       "inactive-first",
		ReuseDetection:        false,
		ReuseGraceSeconds:     10,
		StoreConflictRetries:  3,
		BcryptCost:            4, // bcrypt.MinCost
		CookieSecure:          false,
	}
}

// TestServer holds all components for integration testing
type TestServer struct {
	Server   *httptest.Server
	DB       *TestDB
	Repos    *repository.Repositories
	Services *service.Services
	Hub      *websocket.Hub
	Registry *prometheus.Registry
	Config   *config.Config
}

// NewTestServer creates a test server backed by the in-memory account store.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	return newTestServer(t, TestConfig(), memory.NewRepositories(), nil)
}

// NewTestServerWithDB creates a test server backed by a postgres container.
func NewTestServerWithDB(t *testing.T) *TestServer {
	t.Helper()

	testDB := NewTestDB(t)
	cfg := TestConfig()
	cfg.StoreDriver = "postgres"
	cfg.DatabaseURL = testDB.DSN
	return newTestServer(t, cfg, repoPostgres.NewRepositories(testDB.DB), testDB)
}

func newTestServer(t *testing.T, cfg *config.Config, repos *repository.Repositories, testDB *TestDB) *TestServer {
	t.Helper()

	hub := websocket.NewHub()
	go hub.Run()

	registry := prometheus.NewRegistry()
	services, err := service.NewServices(repos, cfg,
		service.WithMetrics(metrics.New(registry)),
		service.WithNotifier(hub),
	)
	if err != nil {
		t.Fatalf("failed to build services: %v", err)
	}

	server := httptest.NewServer(api.NewRouter(services.Auth, hub, registry, cfg))

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})

	return &TestServer{
		Server:   server,
		DB:       testDB,
		Repos:    repos,
		Services: services,
		Hub:      hub,
		Registry: registry,
		Config:   cfg,
	}
}

// BaseURL returns the test server's base URL
func (ts *TestServer) BaseURL() string {
	return ts.Server.URL
}

// APIURL returns the full API URL for a given path
func (ts *TestServer) APIURL(path string) string {
	return fmt.Sprintf("%s/api/v1%s", ts.Server.URL, path)
}

// WebSocketURL returns the WebSocket URL with token
func (ts *TestServer) WebSocketURL(token string) string {
	wsURL := "ws" + ts.Server.URL[4:] // Replace "http" with "ws"
	return fmt.Sprintf("%s/api/v1/ws?token=%s", wsURL, token)
}

// NewBrowser returns an HTTP client with its own cookie jar, so each one
// behaves like a separate device.
func (ts *TestServer) NewBrowser(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}
