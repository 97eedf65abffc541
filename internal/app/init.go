package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-meter/internal/auth"
	"github.com/nulpointcorp/llm-meter/internal/billing"
	"github.com/nulpointcorp/llm-meter/internal/config"
	"github.com/nulpointcorp/llm-meter/internal/metrics"
	"github.com/nulpointcorp/llm-meter/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-meter/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/llm-meter/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/llm-meter/internal/providers/openai"
	"github.com/nulpointcorp/llm-meter/internal/proxy"
	"github.com/nulpointcorp/llm-meter/internal/ratelimit"
	"github.com/nulpointcorp/llm-meter/internal/routing"
	"github.com/nulpointcorp/llm-meter/internal/store"
	"github.com/nulpointcorp/llm-meter/internal/tokens"
)

const healthInterval = 15 * time.Second

// initInfra establishes optional external connections.
// Redis is only required when RATELIMIT_STORE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Store == config.StoreRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initStore opens the SQLite database and migrates the schema.
func (a *App) initStore(_ context.Context) error {
	db, err := store.Open(a.cfg.Database.Path)
	if err != nil {
		return err
	}
	a.db = db
	a.log.Info("store opened", slog.String("path", a.cfg.Database.Path))
	return nil
}

// initProviders registers one adapter per wire protocol. Endpoints carry
// their own base URL and credentials, so adapters are stateless and shared.
func (a *App) initProviders(_ context.Context) error {
	a.registry = buildRegistry()
	a.log.Info("providers loaded", slog.Any("kinds", a.registry.Kinds()))
	return nil
}

func buildRegistry() *providers.Registry {
	r := providers.NewRegistry()
	// Ollama speaks the OpenAI chat protocol under /v1.
	r.Register(openaiprov.New(), providers.KindOpenAI, providers.KindOllama)
	r.Register(anthropicprov.New(), providers.KindAnthropic)
	r.Register(geminiprov.New(), providers.KindGemini)
	return r
}

// initServices creates the metrics registry, the rate limiter on its
// configured counter store, the token counter and the billing queue.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var counters ratelimit.CounterStore
	switch a.cfg.RateLimit.Store {
	case config.StoreRedis:
		counters = ratelimit.NewRedisStore(a.rdb)
		a.log.Info("rate limit store: redis")

	case config.StoreMemory:
		// MemoryStore: zero external dependencies, not shared across replicas.
		a.memStore = ratelimit.NewMemoryStore(ctx)
		counters = a.memStore
		a.log.Info("rate limit store: memory (in-process)")

	default:
		return fmt.Errorf("unknown rate limit store: %s", a.cfg.RateLimit.Store)
	}

	a.limiter = ratelimit.New(counters,
		ratelimit.WithLogger(a.log),
		ratelimit.WithRecorder(a.prom),
	)

	a.counter = tokens.NewCounter(a.log, a.prom)

	ledger := billing.NewLedger(a.db, a.log, a.prom)
	a.billing = billing.NewQueue(ledger, billing.QueueOptions{
		Workers:  a.cfg.Billing.Workers,
		Size:     a.cfg.Billing.QueueSize,
		Timeout:  a.cfg.Billing.Timeout,
		Logger:   a.log,
		Recorder: a.prom,
	})

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	router := routing.New(a.db, routing.Backend{
		BaseURL: a.cfg.DefaultBackend.URL,
		APIKey:  a.cfg.DefaultBackend.APIKey,
		Kind:    a.cfg.DefaultBackend.Kind,
	}, a.log)

	gw := proxy.NewGateway(a.baseCtx, proxy.Deps{
		Auth:      auth.NewResolver(a.db),
		Router:    router,
		Limiter:   a.limiter,
		Providers: a.registry,
		Counter:   a.counter,
		Billing:   a.billing,
		Models:    a.db,
	}, proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		ProviderTimeout: a.cfg.Timeouts.Provider,
		StreamTimeout:   a.cfg.Timeouts.Stream,
		DefaultKeySpec:  a.cfg.RateLimit.DefaultKeySpec,
	})

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Health ───────────────────────────────────────────────────────────────
	a.health = proxy.NewHealthChecker(a.baseCtx, a.dependencies(), a.prom, healthInterval)
	gw.SetHealthChecker(a.health)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// dependencies lists what /health probes. Only the store gates readiness:
// the limiter admits traffic when Redis is unreachable.
func (a *App) dependencies() []proxy.Dependency {
	deps := []proxy.Dependency{
		{Name: "store", Probe: a.db.Ping, Critical: true},
	}
	if a.rdb != nil {
		deps = append(deps, proxy.Dependency{Name: "ratelimit_store", Probe: redisPinger(a.rdb)})
	}
	return deps
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
