// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra:     external connections (Redis when needed)
//  2. initStore:     SQLite credential and ledger store
//  3. initProviders: upstream protocol adapters
//  4. initServices:  metrics, rate limiter, token counter, billing queue
//  5. initGateway:   proxy, health checks and management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-meter/internal/billing"
	"github.com/nulpointcorp/llm-meter/internal/config"
	"github.com/nulpointcorp/llm-meter/internal/metrics"
	"github.com/nulpointcorp/llm-meter/internal/providers"
	"github.com/nulpointcorp/llm-meter/internal/proxy"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/store"
	"github.com/nulpointcorp/llm-meter/internal/tokens"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	db *store.Store

	registry *providers.Registry

	prom     *metrics.Registry
	memStore *ratelimit.MemoryStore
	limiter  *ratelimit.Limiter
	counter  *tokens.Counter
	billing  *billing.Queue
	health   *proxy.HealthChecker

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"store", a.initStore},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. The server drains before Run closes the app, so every stream that
// was in flight is billed before the ledger queue shuts down.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("ratelimit_store", a.cfg.RateLimit.Store),
		slog.String("default_backend", a.cfg.DefaultBackend.Kind),
		slog.Any("kinds", a.registry.Kinds()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(gctx, addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown requested, draining connections")
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.billing != nil {
		if err := a.billing.Close(); err != nil {
			a.log.Error("billing queue close error", slog.String("error", err.Error()))
		}
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a health probe that reuses the existing client.
func redisPinger(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
}
