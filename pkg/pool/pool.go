// Package pool routes queries across multiple upstream providers with load
// balancing, per-provider circuit breaking and failover.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/observability"
	"github.com/quantpulse/tscache/pkg/provider"
)

var (
	// ErrTooManyConcurrent is returned when the global concurrency cap is exceeded
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	// ErrNoProvidersAvailable is returned when no enabled provider can serve
	ErrNoProvidersAvailable = errors.New("no providers available")
	// ErrAllProvidersFailed is returned when every candidate failed
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// BreakerState is the per-provider circuit breaker state.
type BreakerState string

const (
	// BreakerClosed serves normally
	BreakerClosed BreakerState = "closed"
	// BreakerOpen blocks the provider until the cooldown elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen permits one trial invocation
	BreakerHalfOpen BreakerState = "half_open"
)

// ProviderStats is a snapshot of one provider's bookkeeping.
type ProviderStats struct {
	Priority        int           `json:"priority"`
	Weight          int           `json:"weight"`
	Enabled         bool          `json:"enabled"`
	TotalRequests   int64         `json:"total_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	BreakerState    BreakerState  `json:"breaker_state"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorTime   time.Time     `json:"last_error_time,omitzero"`
}

// record is the pool's bookkeeping for one registered provider. All fields
// are guarded by the pool's mutex; the provider handle itself is only ever
// invoked outside the lock.
type record struct {
	provider provider.Provider
	priority int
	weight   int
	limiter  *rate.Limiter

	totalRequests     int64
	failedRequests    int64
	totalResponseTime time.Duration
	lastError         string
	lastErrorTime     time.Time

	breakerState    BreakerState
	breakerFailures int
	lastFailureTime time.Time

	enabled bool
}

func (r *record) successRate() float64 {
	if r.totalRequests == 0 {
		return 1.0
	}
	return float64(r.totalRequests-r.failedRequests) / float64(r.totalRequests)
}

func (r *record) avgResponseTime() time.Duration {
	if r.totalRequests == 0 {
		return 0
	}
	return r.totalResponseTime / time.Duration(r.totalRequests)
}

// Pool is the multi-provider resilience layer. It owns no cache state; it
// only decides which provider serves each query and tracks how they behave.
type Pool struct {
	log logrus.FieldLogger
	cfg *Config

	mu        sync.Mutex
	providers map[string]*record
	order     []string // registration order, for stable iteration
	rrIndex   int
	lastSweep time.Time

	inflight chan struct{}

	// now is swappable for breaker timing tests.
	now func() time.Time
}

// NewPool creates a provider pool from cfg.
func NewPool(log logrus.FieldLogger, cfg *Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Pool{
		log:       log.WithField("component", "pool"),
		cfg:       cfg,
		providers: make(map[string]*record),
		inflight:  make(chan struct{}, cfg.MaxConcurrent),
		now:       time.Now,
	}, nil
}

// AddProvider registers a provider. Lower priority values are preferred;
// weight only matters to the weighted round robin strategy. Registering a
// name twice replaces the previous registration.
func (p *Pool) AddProvider(prov provider.Provider, priority, weight int) {
	if weight < 1 {
		weight = 1
	}

	var limiter *rate.Limiter
	if p.cfg.RateLimit > 0 {
		burst := p.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RateLimit), burst)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := prov.Name()
	if _, exists := p.providers[name]; !exists {
		p.order = append(p.order, name)
	}
	p.providers[name] = &record{
		provider:     prov,
		priority:     priority,
		weight:       weight,
		limiter:      limiter,
		breakerState: BreakerClosed,
		enabled:      true,
	}

	p.log.WithFields(logrus.Fields{
		"provider": name,
		"priority": priority,
		"weight":   weight,
	}).Info("Registered provider")
}

// RemoveProvider unregisters a provider. Unknown names are a no-op.
func (p *Pool) RemoveProvider(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.providers[name]; !ok {
		return
	}

	delete(p.providers, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Enable marks a provider eligible for selection. Unknown names are a no-op.
func (p *Pool) Enable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.providers[name]; ok {
		rec.enabled = true
	}
}

// Disable excludes a provider from selection. Unknown names are a no-op.
func (p *Pool) Disable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.providers[name]; ok {
		rec.enabled = false
	}
}

// ResetBreaker forces a provider's breaker back to closed. Unknown names are
// a no-op.
func (p *Pool) ResetBreaker(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.providers[name]; ok {
		rec.breakerState = BreakerClosed
		rec.breakerFailures = 0
		rec.lastFailureTime = time.Time{}
	}
}

// Query invokes q against the best available provider, failing over to the
// next candidate on error when failover is enabled. It fails fast with
// ErrTooManyConcurrent when the global concurrency cap is reached.
func (p *Pool) Query(ctx context.Context, q provider.Query) (*frame.Frame, error) {
	select {
	case p.inflight <- struct{}{}:
	default:
		observability.RecordError("pool", "concurrency_cap")
		return nil, ErrTooManyConcurrent
	}
	defer func() { <-p.inflight }()

	p.maybeSweepHealth(ctx)

	candidates := p.selectCandidates()
	if len(candidates) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	var lastErr error
	for _, rec := range candidates {
		result, err := p.invokeOne(ctx, rec, q)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.cfg.failoverEnabled() {
			return nil, err
		}

		p.log.WithError(err).WithFields(logrus.Fields{
			"provider": rec.provider.Name(),
			"kind":     string(q.Kind),
		}).Warn("Provider failed, trying next candidate")
	}

	return nil, fmt.Errorf("%w: last error: %w", ErrAllProvidersFailed, lastErr)
}

// invokeOne runs one provider call with the pool lock released around the
// network round trip.
func (p *Pool) invokeOne(ctx context.Context, rec *record, q provider.Query) (*frame.Frame, error) {
	if rec.limiter != nil {
		if err := rec.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait canceled: %w", err)
		}
	}

	name := rec.provider.Name()
	start := p.now()

	result, err := rec.provider.Query(ctx, q)
	elapsed := p.now().Sub(start)

	if err != nil {
		p.recordFailure(rec, elapsed, err)
		observability.RecordProviderRequest(name, "failure", elapsed)
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}

	p.recordSuccess(rec, elapsed)
	observability.RecordProviderRequest(name, "success", elapsed)

	return result, nil
}

// selectCandidates filters to enabled providers whose breaker is not open,
// transitioning open breakers to half-open once the cooldown has elapsed,
// then orders them by the configured strategy.
func (p *Pool) selectCandidates() []*record {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	var available []*record
	for _, name := range p.order {
		rec := p.providers[name]
		if !rec.enabled {
			continue
		}

		if p.cfg.breakerEnabled() && rec.breakerState == BreakerOpen {
			if !rec.lastFailureTime.IsZero() && now.Sub(rec.lastFailureTime) > p.cfg.BreakerCooldown {
				rec.breakerState = BreakerHalfOpen
				rec.breakerFailures = 0
				observability.SetBreakerState(name, string(BreakerHalfOpen))
			} else {
				continue
			}
		}

		available = append(available, rec)
	}

	return p.orderByStrategy(available)
}

func (p *Pool) recordSuccess(rec *record, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec.totalRequests++
	rec.totalResponseTime += elapsed

	// Any success closes a half-open breaker and clears the failure streak.
	if rec.breakerState != BreakerClosed {
		observability.SetBreakerState(rec.provider.Name(), string(BreakerClosed))
	}
	rec.breakerState = BreakerClosed
	rec.breakerFailures = 0
}

func (p *Pool) recordFailure(rec *record, elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	rec.totalRequests++
	rec.totalResponseTime += elapsed
	rec.failedRequests++
	rec.lastError = err.Error()
	rec.lastErrorTime = now

	if !p.cfg.breakerEnabled() {
		return
	}

	rec.breakerFailures++
	rec.lastFailureTime = now

	// A failed half-open trial reopens immediately; a closed breaker opens
	// once the failure streak reaches the threshold.
	if rec.breakerState == BreakerHalfOpen || rec.breakerFailures >= p.cfg.BreakerThreshold {
		rec.breakerState = BreakerOpen
		observability.SetBreakerState(rec.provider.Name(), string(BreakerOpen))
	}
}

// Stats returns a snapshot of every provider's bookkeeping keyed by name.
func (p *Pool) Stats() map[string]ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]ProviderStats, len(p.providers))
	for name, rec := range p.providers {
		stats[name] = ProviderStats{
			Priority:        rec.priority,
			Weight:          rec.weight,
			Enabled:         rec.enabled,
			TotalRequests:   rec.totalRequests,
			FailedRequests:  rec.failedRequests,
			SuccessRate:     rec.successRate(),
			AvgResponseTime: rec.avgResponseTime(),
			BreakerState:    rec.breakerState,
			LastError:       rec.lastError,
			LastErrorTime:   rec.lastErrorTime,
		}
	}

	return stats
}

// Healthy returns the names of providers that are enabled, not tripped, and
// holding a success rate above one half.
func (p *Pool) Healthy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []string
	for _, name := range p.order {
		rec := p.providers[name]
		if rec.enabled && rec.breakerState != BreakerOpen && rec.successRate() > 0.5 {
			healthy = append(healthy, name)
		}
	}

	return healthy
}

// maybeSweepHealth launches an out-of-band health probe pass at most once per
// configured interval.
func (p *Pool) maybeSweepHealth(ctx context.Context) {
	if !p.cfg.healthCheckEnabled() {
		return
	}

	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) < p.cfg.HealthCheckInterval {
		p.mu.Unlock()
		return
	}
	p.lastSweep = now

	type probe struct {
		name     string
		provider provider.Provider
		enabled  bool
	}
	probes := make([]probe, 0, len(p.providers))
	for _, name := range p.order {
		rec := p.providers[name]
		probes = append(probes, probe{name: name, provider: rec.provider, enabled: rec.enabled})
	}
	p.mu.Unlock()

	go func() {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		for _, pr := range probes {
			err := pr.provider.HealthCheck(sweepCtx)

			p.mu.Lock()
			rec, ok := p.providers[pr.name]
			if !ok {
				p.mu.Unlock()
				continue
			}
			switch {
			case err != nil && rec.enabled:
				rec.enabled = false
				p.log.WithError(err).WithField("provider", pr.name).Warn("Health check failed, disabling provider")
			case err == nil && !rec.enabled:
				rec.enabled = true
				rec.breakerState = BreakerClosed
				rec.breakerFailures = 0
				p.log.WithField("provider", pr.name).Info("Health check recovered, re-enabling provider")
			}
			p.mu.Unlock()
		}
	}()
}
