package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dom/credential-service/internal/api"
	"github.com/dom/credential-service/internal/config"
	"github.com/dom/credential-service/internal/logging"
	"github.com/dom/credential-service/internal/metrics"
	"github.com/dom/credential-service/internal/repository"
	"github.com/dom/credential-service/internal/repository/memory"
	"github.com/dom/credential-service/internal/repository/postgres"
	"github.com/dom/credential-service/internal/service"
	"github.com/dom/credential-service/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	repos, err := openRepositories(cfg)
	if err != nil {
		logger.Error("failed to open account store", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()

	services, err := service.NewServices(repos, cfg,
		service.WithLogger(logger),
		service.WithMetrics(metrics.New(registry)),
		service.WithNotifier(hub),
	)
	if err != nil {
		logger.Error("failed to initialize services", "err", err)
		os.Exit(1)
	}

	router := api.NewRouter(services.Auth, hub, registry, cfg)

	srv := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "eviction", cfg.SessionEviction)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
	hub.Stop()

	logger.Info("server stopped")
}

func openRepositories(cfg *config.Config) (*repository.Repositories, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory account store; accounts are lost on restart")
		return memory.NewRepositories(), nil
	}

	db, err := postgres.NewConnection(cfg.DatabaseURL, logging.GormLevel(cfg.LogLevel, cfg.IsDevelopment()))
	if err != nil {
		return nil, err
	}
	return postgres.NewRepositories(db), nil
}
