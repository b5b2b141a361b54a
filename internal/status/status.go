// Package status queries the vehicle's control subsystems (navigation,
// motor, sensor, safety) and serves results through a short-TTL
// read-through cache so bursts of status requests coalesce into a single
// upstream fetch per subsystem.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Subsystem names with queryable status.
const (
	SubsystemNavigation = "navigation"
	SubsystemMotor      = "motor"
	SubsystemSensor     = "sensor"
	SubsystemSafety     = "safety"
)

// Subsystems lists every queryable subsystem in a stable order.
var Subsystems = []string{SubsystemNavigation, SubsystemMotor, SubsystemSensor, SubsystemSafety}

// Provider answers status queries for one subsystem. Implementations live
// outside this core; a provider that is down returns an error and the
// aggregator reports null for that subsystem instead of blocking.
type Provider interface {
	GetStatus(ctx context.Context) (json.RawMessage, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (json.RawMessage, error)

// GetStatus implements Provider.
func (f ProviderFunc) GetStatus(ctx context.Context) (json.RawMessage, error) { return f(ctx) }

type cacheEntry struct {
	data     json.RawMessage
	cachedAt time.Time
}

type inflight struct {
	done chan struct{}
	data json.RawMessage
}

// Aggregator owns the provider set and the status cache.
type Aggregator struct {
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	cache     map[string]cacheEntry
	pending   map[string]*inflight
	now       func() time.Time
}

// NewAggregator creates an aggregator with the given cache TTL and
// per-fetch timeout.
func NewAggregator(ttl, timeout time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		ttl:       ttl,
		timeout:   timeout,
		logger:    logger,
		providers: make(map[string]Provider),
		cache:     make(map[string]cacheEntry),
		pending:   make(map[string]*inflight),
		now:       time.Now,
	}
}

// Register attaches a provider for a subsystem.
func (a *Aggregator) Register(subsystem string, p Provider) {
	a.mu.Lock()
	a.providers[subsystem] = p
	a.mu.Unlock()
}

// Get returns the status of one subsystem. A result fetched within the
// cache TTL is served from cache; concurrent requests for an uncached
// subsystem share a single upstream fetch. A missing or failing provider
// yields null.
func (a *Aggregator) Get(ctx context.Context, subsystem string) json.RawMessage {
	a.mu.Lock()

	if entry, ok := a.cache[subsystem]; ok && a.now().Sub(entry.cachedAt) < a.ttl {
		a.mu.Unlock()
		return entry.data
	}

	// Coalesce: join an in-progress fetch instead of issuing another.
	if fl, ok := a.pending[subsystem]; ok {
		a.mu.Unlock()
		select {
		case <-fl.done:
			return fl.data
		case <-ctx.Done():
			return nil
		}
	}

	provider, ok := a.providers[subsystem]
	if !ok {
		a.mu.Unlock()
		return nil
	}

	fl := &inflight{done: make(chan struct{})}
	a.pending[subsystem] = fl
	a.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	data, err := provider.GetStatus(fetchCtx)
	cancel()
	if err != nil {
		a.logger.Warn("status fetch failed", "subsystem", subsystem, "error", err)
		data = nil
	}

	a.mu.Lock()
	delete(a.pending, subsystem)
	if err == nil {
		a.cache[subsystem] = cacheEntry{data: data, cachedAt: a.now()}
	}
	a.mu.Unlock()

	fl.data = data
	close(fl.done)
	return data
}

// GetAll gathers every subsystem in parallel, each bounded by the fetch
// timeout and independently nullable on failure.
func (a *Aggregator) GetAll(ctx context.Context) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(Subsystems))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, subsystem := range Subsystems {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			data := a.Get(ctx, name)
			mu.Lock()
			out[name] = data
			mu.Unlock()
		}(subsystem)
	}
	wg.Wait()
	return out
}
