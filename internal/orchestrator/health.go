package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/models"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "unknown" | "ok" | "degraded" | "not_configured"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every configured provider
// and the authority, and exposes the latest results at GET /internal/health.
// Adapted from the teacher's HealthChecker; providers no longer expose a
// dedicated HealthCheck method (spec's Provider contract only has
// ListModels/ChatCompletions/ChatCompletionsStream), so a provider's health
// is its ListModels call succeeding.
type HealthChecker struct {
	providers map[string]models.NamedProvider
	authority *authority.Client
	baseCtx   context.Context
	metrics   *metrics.Registry

	providerStatuses map[string]*componentStatus
	authorityStatus  componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]models.NamedProvider,
	auth *authority.Client,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("orchestrator: health checker context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		authority:        auth,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /internal/health response body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Authority     string            `json:"authority"`
}

// Snapshot builds a snapshot from the latest probe results. This is an
// informational aggregate only — not used to gate retries or readiness,
// since this gateway has no cross-provider failover (spec.md §1 Non-goals).
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	providers := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		providers[name] = st
		if st == "degraded" {
			overall = "degraded"
		}
	}

	authorityStatus := hc.authorityStatus.get()
	if authorityStatus == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     providers,
		Authority:     authorityStatus,
	}
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, np := range hc.providers {
		name, np := name, np
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := np.Provider.ListModels(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if !hc.authority.Configured() {
			hc.authorityStatus.set("not_configured")
			return
		}
		if hc.authority.HealthOK(ctx) {
			hc.authorityStatus.set("ok")
		} else {
			hc.authorityStatus.set("degraded")
		}
	}()

	wg.Wait()
}
