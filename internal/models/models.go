// Package models implements the Models Aggregator (spec §4.7): a concurrent
// fan-out over configured providers behind GET /v1/models, cached in the
// edge KV under a fixed key.
package models

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	cacheKey = "models_list"
	cacheTTL = 300 * time.Second
)

// Model is one entry of the aggregated list response.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// List is the GET /v1/models response body.
type List struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// NamedProvider pairs a provider with the name it's dispatched under and the
// allow-list that restricts which of its models may be exposed.
type NamedProvider struct {
	Name          string
	Provider      providers.Provider
	AllowedModels []string
}

// Aggregator serves GET /v1/models.
type Aggregator struct {
	providers []NamedProvider
	cache     cache.Cache
}

func New(cache cache.Cache, providers []NamedProvider) *Aggregator {
	return &Aggregator{providers: providers, cache: cache}
}

// List returns the union of all providers' model catalogues, prefixed with
// "<providerName>/" and filtered by each provider's allow-list. Cache errors
// are tolerated; the aggregate is cached only when non-empty.
func (a *Aggregator) List(ctx context.Context) (*List, error) {
	if cached, ok := a.cache.Get(ctx, cacheKey); ok {
		var list List
		if err := json.Unmarshal(cached, &list); err == nil {
			return &list, nil
		}
	}

	results := make([][]Model, len(a.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, np := range a.providers {
		i, np := i, np
		g.Go(func() error {
			upstream, err := np.Provider.ListModels(gctx)
			if err != nil {
				// Provider-level failures do not fail the endpoint.
				return nil
			}
			results[i] = filterAndPrefix(np.Name, np.AllowedModels, upstream)
			return nil
		})
	}
	// The goroutines above never return a non-nil error, so Wait always
	// returns nil here.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var data []Model
	for _, r := range results {
		data = append(data, r...)
	}

	list := &List{Object: "list", Data: data}

	if len(data) > 0 {
		if b, err := json.Marshal(list); err == nil {
			_ = a.cache.Set(ctx, cacheKey, b, cacheTTL)
		}
	}

	return list, nil
}

func filterAndPrefix(providerName string, allowed []string, upstream []providers.ModelInfo) []Model {
	allowSet := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		allowSet[m] = true
	}

	out := make([]Model, 0, len(upstream))
	for _, m := range upstream {
		if len(allowSet) > 0 && !allowSet[m.ID] {
			continue
		}
		out = append(out, Model{
			ID:      providerName + "/" + m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return out
}
