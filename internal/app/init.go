package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/keystore"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/models"
	"github.com/nulpointcorp/llm-gateway/internal/orchestrator"
	"github.com/nulpointcorp/llm-gateway/internal/providers/compat"
	"github.com/nulpointcorp/llm-gateway/internal/providers/testprov"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/settlement"
)

// initInfra establishes optional external connections. Redis is only
// required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
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

// initServices creates the edge KV cache, the Prometheus metrics registry,
// and the authority client. Provider construction (initProviders) happens
// after — the Models Aggregator and orchestrator both need the cache.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.authority = authority.New(a.cfg.Backend.URL, a.cfg.Backend.InternalSecret)
	if !a.authority.Configured() {
		a.log.Warn("authority not configured (BACKEND_URL/INTERNAL_SECRET unset); " +
			"key lookups and usage settlement will fail closed")
	}

	return nil
}

// initProviders builds the provider set: the real DeepSeek/Moonshot/Zai
// adapters for every configured API key, plus the synthetic Test provider
// when enabled. At least one must be present — checked by config.Load's
// validation and again here.
func (a *App) initProviders(_ context.Context) error {
	var provs []models.NamedProvider

	type compatEntry struct {
		name       string
		cfg        config.ProviderConfig
		defaultURL string
		flatten    bool
	}
	entries := []compatEntry{
		{"deepseek", a.cfg.DeepSeek, "https://api.deepseek.com/v1", true},
		{"moonshot", a.cfg.Moonshot, "https://api.moonshot.cn/v1", false},
		{"zai", a.cfg.Zai, "https://api.z.ai/api/openai/v1", false},
	}
	for _, e := range entries {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.cfg.BaseURL
		if baseURL == "" {
			baseURL = e.defaultURL
		}
		provs = append(provs, models.NamedProvider{
			Name:          e.name,
			Provider:      compat.New(e.name, baseURL, e.cfg.APIKey, e.flatten),
			AllowedModels: e.cfg.AllowedModels,
		})
	}

	if a.cfg.Test.Enabled {
		provs = append(provs, models.NamedProvider{
			Name:     testprov.Name,
			Provider: testprov.New(testprov.Options{}),
		})
	}

	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(provs))
	for _, p := range provs {
		names = append(names, p.Name)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	a.provs = provs
	return nil
}

// initGateway wires the key store, models aggregator, usage queue,
// orchestrator and settlement consumer together.
func (a *App) initGateway(ctx context.Context) error {
	a.keys = keystore.New(a.cacheImpl, a.authority)
	a.modelsAgg = models.New(a.cacheImpl, a.provs)
	a.usageQueue = queue.New(a.baseCtx)

	a.orc = orchestrator.New(
		a.baseCtx, a.provs, a.keys, a.modelsAgg, a.usageQueue,
		a.prom, a.authority, a.cfg.CORSOrigins, a.log,
	)

	a.settlementConsumer = settlement.New(a.usageQueue, a.authority, a.prom, a.log)

	a.mgmt = &orchestrator.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
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
