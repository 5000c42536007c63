// Package app wires the store, cache, collaborators and services from a
// loaded configuration. Both binaries build their runtime through Open.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ignite/leadengine/internal/api"
	"github.com/ignite/leadengine/internal/collab"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/pkg/distlock"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"github.com/ignite/leadengine/internal/repository/sqlstore"
	"github.com/ignite/leadengine/internal/service/cadence"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/leads"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/ignite/leadengine/internal/service/pipeline"
	"github.com/ignite/leadengine/internal/service/suppression"
	"github.com/ignite/leadengine/internal/storage"
	"github.com/redis/go-redis/v9"
)

// App holds every long-lived dependency of a process.
type App struct {
	Config *config.Config
	Store  *sqlstore.Store
	Redis  *redis.Client

	Leads       *leads.Service
	Pipeline    *pipeline.Service
	Cadence     *cadence.Service
	Suppression *suppression.Service
	Engagement  *engagement.Service
	Ledger      *ledger.Service

	Discovery  *collab.Discovery
	Booking    *collab.Booking
	Dispatcher *collab.Dispatcher
}

// ConfigureLogging applies the logging group to the process logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(!cfg.DisableRedaction)
}

// OpenStore connects to the configured database.
func OpenStore(cfg config.DatabaseConfig) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return sqlstore.OpenPostgres(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	default:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		return sqlstore.OpenSQLite(cfg.Path)
	}
}

// Open builds the runtime. A Redis server that does not answer is logged
// and skipped; the engine then runs on the database alone.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	ConfigureLogging(cfg.Logging)

	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	store.SetMaxTouchFailures(cfg.Cadence.MaxTouchFailures)
	a := &App{Config: cfg, Store: store}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without cache", "addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			a.Redis = client
		}
	}

	var sink ledger.Sink
	artifacts, err := storage.New(ctx, cfg.Artifacts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("artifact storage: %w", err)
	}
	if artifacts != nil {
		sink = artifacts
	}

	var suppOpts []suppression.Option
	if a.Redis != nil {
		suppOpts = append(suppOpts, suppression.WithCache(a.Redis))
	}
	a.Suppression = suppression.NewService(store, suppOpts...)

	locks := distlock.Options{Redis: a.Redis, LockDir: cfg.Cadence.LockDir, TTL: cfg.Cadence.LockTTL()}
	if store.Dialect() == sqlstore.Postgres {
		locks.DB = store.DB()
	}
	a.Cadence = cadence.NewService(store, a.Suppression,
		cadence.WithLocks(locks),
		cadence.WithBatch(cfg.Cadence.BatchSize, cfg.Cadence.Workers))

	var engOpts []engagement.Option
	if c := cfg.Collaborators.Classifier; c.Enabled() {
		engOpts = append(engOpts, engagement.WithClassifier(collab.NewClassifier(collab.NewClient(c).Observe("classifier", store))))
	}
	a.Engagement = engagement.NewService(store, engOpts...)
	a.Leads = leads.NewService(store, leads.WithWindow(cfg.Window.MonthsMin, cfg.Window.MonthsMax))
	a.Pipeline = pipeline.NewService(store)
	a.Ledger = ledger.NewService(store, sink)

	if c := cfg.Collaborators.Discovery; c.Enabled() {
		a.Discovery = collab.NewDiscovery(collab.NewClient(c).Observe("discovery", store))
	}
	if c := cfg.Collaborators.Booking; c.Enabled() {
		a.Booking = collab.NewBooking(collab.NewClient(c).Observe("booking", store))
	}
	if c := cfg.Collaborators.Delivery; c.Enabled() {
		a.Dispatcher = collab.NewDispatcher(collab.NewClient(c).Observe("delivery", store), nil)
	}
	return a, nil
}

// Services returns the API view of the runtime.
func (a *App) Services() api.Services {
	return api.Services{
		Leads:       a.Leads,
		Pipeline:    a.Pipeline,
		Cadence:     a.Cadence,
		Suppression: a.Suppression,
		Engagement:  a.Engagement,
		Ledger:      a.Ledger,
	}
}

// Close releases the database and cache handles.
func (a *App) Close() error {
	if a.Redis != nil {
		a.Redis.Close()
	}
	return a.Store.Close()
}
