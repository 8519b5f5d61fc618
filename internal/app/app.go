// Package app wires configuration, storage and HTTP surfaces into a running relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/kv"
	"github.com/router-for-me/GeminiRelay/internal/logging"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/pool"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
	"github.com/router-for-me/GeminiRelay/internal/relay"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

// CreateCallerTokenParams holds inputs for caller token creation from the CLI.
type CreateCallerTokenParams struct {
	ValidityDays int
	Note         string
}

// Components are the long-lived services shared by every HTTP surface.
type Components struct {
	Config  *config.Config
	Store   kv.Store
	Pool    *pool.Pool
	Tokens  *tokens.Manager
	Redeem  *redeem.Manager
	Relay   *relay.Relay
	Metrics *metrics.Collector
}

// Build opens the store and constructs every component for cfg. The pool is initialized.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry)
	}

	store, errOpen := kv.Open(ctx, cfg.Store.DSN, cfg.Store.Namespace)
	if errOpen != nil {
		return nil, fmt.Errorf("open store: %w", errOpen)
	}

	credentialPool := pool.New(store, pool.WithMetrics(collector))
	if errInit := credentialPool.Init(ctx); errInit != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init credential pool: %w", errInit)
	}
	tokenManager := tokens.New(store, tokens.WithSystemToken(cfg.Tokens.SystemToken))
	redeemManager := redeem.New(store, tokenManager,
		redeem.WithMetrics(collector),
		redeem.WithMaxBatchSize(cfg.Redeem.MaxBatchSize),
	)
	upstreamRelay, errRelay := relay.New(cfg.Upstream, credentialPool, relay.WithMetrics(collector))
	if errRelay != nil {
		_ = store.Close()
		return nil, errRelay
	}

	return &Components{
		Config:  cfg,
		Store:   store,
		Pool:    credentialPool,
		Tokens:  tokenManager,
		Redeem:  redeemManager,
		Relay:   upstreamRelay,
		Metrics: collector,
	}, nil
}

// Migrate opens the configured store, which applies its migrations, and closes it.
func Migrate(ctx context.Context, appCfg config.AppConfig) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	store, errOpen := kv.Open(ctx, cfg.Store.DSN, cfg.Store.Namespace)
	if errOpen != nil {
		return errOpen
	}
	log.Infof("store ready (dsn kind=%s)", dsnKind(cfg.Store.DSN))
	return store.Close()
}

// CreateCallerToken issues an admin_manual caller token directly against the store.
func CreateCallerToken(ctx context.Context, appCfg config.AppConfig, params CreateCallerTokenParams) (string, models.CallerToken, error) {
	cfg, errLoad := config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
	if errLoad != nil {
		return "", models.CallerToken{}, errLoad
	}
	store, errOpen := kv.Open(ctx, cfg.Store.DSN, cfg.Store.Namespace)
	if errOpen != nil {
		return "", models.CallerToken{}, errOpen
	}
	defer func() { _ = store.Close() }()
	return tokens.New(store).Create(ctx, params.ValidityDays, models.TokenSourceAdminManual, params.Note)
}

// RunServer boots the relay and blocks until ctx is done or the listener fails.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logCloser, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return fmt.Errorf("setup logging: %w", errLog)
	}
	defer func() { _ = logCloser.Close() }()

	if cfg.UsesDevelopmentAdminToken() {
		log.Warn("admin token is the built-in development value; set admin.token or RELAY_ADMIN_TOKEN before deploying")
	}
	if cfg.Tokens.SystemToken != "" {
		log.Warn("system token is enabled and bypasses caller token validation")
	}

	components, errBuild := Build(ctx, cfg)
	if errBuild != nil {
		return errBuild
	}
	defer func() { _ = components.Store.Close() }()

	scheduler, errScheduler := pool.NewReloadScheduler(components.Pool, cfg.Pool.ReloadSchedule)
	if errScheduler != nil {
		return errScheduler
	}
	if errStart := scheduler.Start(ctx); errStart != nil {
		return errStart
	}
	defer scheduler.Stop()

	go func() {
		errWatch := config.Watch(ctx, configPath, func(updated *config.Config) {
			logging.ApplyLevel(updated.Logging.Level)
		})
		if errWatch != nil {
			log.WithError(errWatch).Warn("config hot reload disabled")
		}
	}()

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewEngine(components),
		ReadHeaderTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		active, inactive := components.Pool.Sizes()
		log.WithFields(log.Fields{
			"listen":   cfg.Listen,
			"store":    dsnKind(cfg.Store.DSN),
			"active":   active,
			"inactive": inactive,
		}).Info("starting relay")
		errc <- server.ListenAndServe()
	}()

	select {
	case errServe := <-errc:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	return nil
}
