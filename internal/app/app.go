// Package app provides the main application struct for centralized
// dependency management and lifecycle control.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"templar/config"
	"templar/internal/cache"
	"templar/internal/httpclient"
	"templar/internal/manager"
	"templar/internal/registry"
	"templar/internal/server"
	"templar/internal/storage"
	"templar/internal/upgrade"
)

// App represents the application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config  *config.Config
	store   *storage.SQLiteStore
	cache   *cache.VersionCache
	engine  *upgrade.Engine
	manager *manager.Manager
	server  *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates an App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize project storage: %w", err)
	}

	vc := cache.New(cfg.Cache.Dir, logger)

	clientCfg := httpclient.DefaultConfig()
	if cfg.Registry.RequestTimeout > 0 {
		clientCfg.Timeout = cfg.Registry.RequestTimeout
		clientCfg.ResponseHeaderTimeout = cfg.Registry.RequestTimeout
	}
	reg := registry.New(cfg.Registry.BaseURL, httpclient.NewHTTPClient(&clientCfg), logger,
		cfg.Registry.HealthTimeout)

	engine := upgrade.New(vc, store, store, store, logger)
	engine.Start()

	mgr := manager.New(manager.Config{
		Registry: reg,
		Cache:    vc,
		Engine:   engine,
		Projects: store,
		Metadata: store,
		Importer: store,
		Logger:   logger,
	})

	srv := server.New(mgr, &server.Config{
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	})

	app := &App{
		config:  cfg,
		store:   store,
		cache:   vc,
		engine:  engine,
		manager: mgr,
		server:  srv,
	}

	// Kick off the startup update scan. Non-blocking: readiness does not
	// wait on the registry.
	mgr.StartScan(ctx, cfg.Updates.CheckOnStartup)

	return app, nil
}

// Manager returns the orchestration facade.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// StartServer starts the status HTTP server (blocking).
func (a *App) StartServer() error {
	return a.server.Start(":" + a.config.Server.Port)
}

// Shutdown stops the engine and releases all resources. Safe to call once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	a.engine.Stop()

	return errors.Join(
		a.server.Shutdown(ctx),
		a.store.Close(),
	)
}
