package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/metrics"
	"payments-core/internal/provider"
)

const routeWildcard = "*"

// Router maps (currency, country, method) to a preference-ordered provider list. The
// most specific matching row wins; "*" matches any value.
type Router struct {
	routes []config.RouteConfig
}

func NewRouter(routes []config.RouteConfig) *Router {
	normalized := make([]config.RouteConfig, 0, len(routes))
	for _, r := range routes {
		normalized = append(normalized, config.RouteConfig{
			Currency:  normalizeRouteField(r.Currency, strings.ToUpper),
			Country:   normalizeRouteField(r.Country, strings.ToUpper),
			Method:    normalizeRouteField(r.Method, strings.ToLower),
			Providers: r.Providers,
		})
	}
	return &Router{routes: normalized}
}

func normalizeRouteField(v string, fn func(string) string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return routeWildcard
	}
	return fn(v)
}

// Candidates returns the preference list for the request, or nil when no row matches.
// An "auto" request matches rows of any method.
func (r *Router) Candidates(currency, country string, method domain.PaymentMethod) []string {
	currency, country = strings.ToUpper(currency), strings.ToUpper(country)
	m := strings.ToLower(string(method))
	auto := m == string(domain.PaymentMethodAuto)

	best, bestScore := -1, -1
	for i, route := range r.routes {
		score := 0
		if route.Currency != routeWildcard {
			if route.Currency != currency {
				continue
			}
			score += 4
		}
		if route.Country != routeWildcard {
			if route.Country != country {
				continue
			}
			score += 2
		}
		if route.Method != routeWildcard {
			if route.Method == m {
				score++
			} else if !auto {
				continue
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil
	}
	return append([]string(nil), r.routes[best].Providers...)
}

// HealthTracker is the orchestrator's view of provider health, backed by the shared
// Redis store so every instance routes the same way.
type HealthTracker struct {
	store      *cache.HealthStore
	registry   *provider.Registry
	currencies map[string]string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewHealthTracker(store *cache.HealthStore, registry *provider.Registry, providers []config.ProviderConfig, timeout time.Duration, logger *zap.Logger) *HealthTracker {
	currencies := make(map[string]string, len(providers))
	for _, p := range providers {
		if len(p.Currencies) > 0 {
			currencies[p.Name] = p.Currencies[0]
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthTracker{store: store, registry: registry, currencies: currencies, timeout: timeout, logger: logger}
}

// IsHealthy fails open: if the health store is unreachable the provider is tried.
func (h *HealthTracker) IsHealthy(ctx context.Context, name string) bool {
	ph, err := h.store.Get(ctx, name)
	if err != nil {
		h.logger.Warn("provider health unavailable, assuming healthy", zap.String("provider", name), zap.Error(err))
		return true
	}
	return ph.Healthy
}

func (h *HealthTracker) RecordSuccess(ctx context.Context, name string, latency time.Duration) {
	if err := h.store.RecordSuccess(ctx, name, latency); err != nil {
		h.logger.Warn("failed to record provider success", zap.String("provider", name), zap.Error(err))
		return
	}
	metrics.ProviderHealthy.WithLabelValues(name).Set(1)
}

func (h *HealthTracker) RecordFailure(ctx context.Context, name string, latency time.Duration) {
	ph, err := h.store.RecordFailure(ctx, name, latency)
	if err != nil {
		h.logger.Warn("failed to record provider failure", zap.String("provider", name), zap.Error(err))
		return
	}
	if !ph.Healthy {
		metrics.ProviderHealthy.WithLabelValues(name).Set(0)
		h.logger.Warn("provider unhealthy",
			zap.String("provider", name),
			zap.Int("consecutive_failures", ph.ConsecutiveFailures))
	}
}

// MarkUnhealthy takes the provider out of routing until a health check succeeds.
func (h *HealthTracker) MarkUnhealthy(ctx context.Context, name string) {
	if err := h.store.MarkUnhealthy(ctx, name); err != nil {
		h.logger.Warn("failed to mark provider unhealthy", zap.String("provider", name), zap.Error(err))
		return
	}
	metrics.ProviderHealthy.WithLabelValues(name).Set(0)
}

// Check tests one provider with Ping when available, otherwise with a balance read.
func (h *HealthTracker) Check(ctx context.Context, name string) error {
	adapter, err := h.registry.Get(name)
	if err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	if p, ok := adapter.(provider.Pinger); ok {
		err = p.Ping(checkCtx)
	} else {
		_, err = adapter.GetBalance(checkCtx, h.currencies[name])
	}
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(name, "health_check").Observe(latency.Seconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		h.RecordFailure(ctx, name, latency)
		return err
	}
	h.RecordSuccess(ctx, name, latency)
	return nil
}

// CheckAll checks every registered provider and returns the resulting views.
func (h *HealthTracker) CheckAll(ctx context.Context) []*domain.ProviderHealth {
	names := h.registry.Names()
	out := make([]*domain.ProviderHealth, 0, len(names))
	for _, name := range names {
		if err := h.Check(ctx, name); err != nil {
			h.logger.Debug("provider health check failed", zap.String("provider", name), zap.Error(err))
		}
		if ph, err := h.store.Get(ctx, name); err == nil {
			out = append(out, ph)
		}
	}
	return out
}

func (h *HealthTracker) Snapshot(ctx context.Context) ([]*domain.ProviderHealth, error) {
	names := h.registry.Names()
	out := make([]*domain.ProviderHealth, 0, len(names))
	for _, name := range names {
		ph, err := h.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, nil
}
