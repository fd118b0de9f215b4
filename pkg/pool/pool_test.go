package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/provider"
)

var errUpstream = errors.New("upstream unavailable")

// fakeProvider records invocations and answers from canned responses.
type fakeProvider struct {
	name string

	mu        sync.Mutex
	calls     int
	failures  int // fail the first N queries
	healthErr error
	blockCh   chan struct{} // when set, Query blocks until closed
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Query(ctx context.Context, _ provider.Query) (*frame.Frame, error) {
	f.mu.Lock()
	f.calls++
	shouldFail := f.calls <= f.failures
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if shouldFail {
		return nil, errUpstream
	}

	result := frame.New([]string{"date", "close"})
	result.Append([]string{"2023-01-03", "10.5"})

	return result, nil
}

func (f *fakeProvider) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func boolPtr(b bool) *bool { return &b }

func testConfig() *Config {
	return &Config{
		Strategy:           StrategyPriority,
		Failover:           boolPtr(true),
		BreakerEnabled:     boolPtr(true),
		BreakerThreshold:   3,
		BreakerCooldown:    60 * time.Second,
		HealthCheckEnabled: boolPtr(false),
		MaxConcurrent:      5,
	}
}

func newTestPool(t *testing.T, cfg *Config) *Pool {
	t.Helper()

	p, err := NewPool(logrus.New(), cfg)
	require.NoError(t, err)

	return p
}

func barsQuery() provider.Query {
	return provider.Query{
		Kind:   provider.KindDailyBars,
		Symbol: "sh.600000",
	}
}

func TestNewPool_InvalidConfig(t *testing.T) {
	_, err := NewPool(logrus.New(), &Config{Strategy: "fastest", BreakerThreshold: 3, MaxConcurrent: 1})
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = NewPool(logrus.New(), &Config{Strategy: StrategyPriority, BreakerThreshold: 0, MaxConcurrent: 1})
	assert.ErrorIs(t, err, ErrInvalidBreakerThreshold)

	_, err = NewPool(logrus.New(), &Config{Strategy: StrategyPriority, BreakerThreshold: 3, MaxConcurrent: 0})
	assert.ErrorIs(t, err, ErrInvalidMaxConcurrent)
}

func TestPool_QuerySuccess(t *testing.T) {
	p := newTestPool(t, testConfig())
	prov := &fakeProvider{name: "alpha"}
	p.AddProvider(prov, 0, 1)

	result, err := p.Query(context.Background(), barsQuery())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.NumRows())
	assert.Equal(t, 1, prov.callCount())
}

func TestPool_QueryNoProviders(t *testing.T) {
	p := newTestPool(t, testConfig())

	_, err := p.Query(context.Background(), barsQuery())
	assert.ErrorIs(t, err, ErrNoProvidersAvailable)
}

func TestPool_QueryAllDisabled(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.AddProvider(&fakeProvider{name: "alpha"}, 0, 1)
	p.Disable("alpha")

	_, err := p.Query(context.Background(), barsQuery())
	assert.ErrorIs(t, err, ErrNoProvidersAvailable)
}

func TestPool_FailoverByPriority(t *testing.T) {
	p := newTestPool(t, testConfig())

	// Registration order differs from priority order on purpose.
	low := &fakeProvider{name: "low", failures: 1000}
	best := &fakeProvider{name: "best", failures: 1000}
	mid := &fakeProvider{name: "mid"}
	p.AddProvider(low, 2, 1)
	p.AddProvider(best, 0, 1)
	p.AddProvider(mid, 1, 1)

	result, err := p.Query(context.Background(), barsQuery())
	require.NoError(t, err)
	require.NotNil(t, result)

	// best (priority 0) tried first, then mid (1) succeeds, low untouched.
	assert.Equal(t, 1, best.callCount())
	assert.Equal(t, 1, mid.callCount())
	assert.Equal(t, 0, low.callCount())
}

func TestPool_FailoverDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Failover = boolPtr(false)
	p := newTestPool(t, cfg)

	failing := &fakeProvider{name: "failing", failures: 1000}
	backup := &fakeProvider{name: "backup"}
	p.AddProvider(failing, 0, 1)
	p.AddProvider(backup, 1, 1)

	_, err := p.Query(context.Background(), barsQuery())
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 0, backup.callCount(), "no failover attempt when disabled")
}

func TestPool_AllProvidersFailed(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.AddProvider(&fakeProvider{name: "a", failures: 1000}, 0, 1)
	p.AddProvider(&fakeProvider{name: "b", failures: 1000}, 1, 1)

	_, err := p.Query(context.Background(), barsQuery())
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.ErrorIs(t, err, errUpstream, "last provider error is wrapped")
}

func TestPool_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	p := newTestPool(t, cfg)

	block := make(chan struct{})
	p.AddProvider(&fakeProvider{name: "slow", blockCh: block}, 0, 1)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := p.Query(context.Background(), barsQuery())
		done <- err
	}()
	<-started

	// Wait until the first query holds the only slot.
	require.Eventually(t, func() bool {
		return len(p.inflight) == 1
	}, time.Second, time.Millisecond)

	_, err := p.Query(context.Background(), barsQuery())
	assert.ErrorIs(t, err, ErrTooManyConcurrent)

	close(block)
	require.NoError(t, <-done)
}

func TestPool_BreakerOpensAtThreshold(t *testing.T) {
	p := newTestPool(t, testConfig())
	prov := &fakeProvider{name: "flaky", failures: 1000}
	p.AddProvider(prov, 0, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}

	assert.Equal(t, BreakerOpen, p.Stats()["flaky"].BreakerState)

	// While open the provider is not a candidate at all.
	_, err := p.Query(ctx, barsQuery())
	assert.ErrorIs(t, err, ErrNoProvidersAvailable)
	assert.Equal(t, 3, prov.callCount())
}

func TestPool_BreakerHalfOpenRecovery(t *testing.T) {
	p := newTestPool(t, testConfig())

	current := time.Now()
	p.now = func() time.Time { return current }

	prov := &fakeProvider{name: "flaky", failures: 3}
	p.AddProvider(prov, 0, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, p.Stats()["flaky"].BreakerState)

	// After the cooldown one trial call is allowed; it succeeds and the
	// breaker closes.
	current = current.Add(61 * time.Second)

	result, err := p.Query(ctx, barsQuery())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, BreakerClosed, p.Stats()["flaky"].BreakerState)
}

func TestPool_BreakerHalfOpenTrialFails(t *testing.T) {
	p := newTestPool(t, testConfig())

	current := time.Now()
	p.now = func() time.Time { return current }

	prov := &fakeProvider{name: "flaky", failures: 1000}
	p.AddProvider(prov, 0, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}

	current = current.Add(61 * time.Second)

	// One trial invocation, then straight back to open.
	_, err := p.Query(ctx, barsQuery())
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 4, prov.callCount())
	assert.Equal(t, BreakerOpen, p.Stats()["flaky"].BreakerState)
}

func TestPool_SuccessResetsFailureStreak(t *testing.T) {
	p := newTestPool(t, testConfig())
	prov := &fakeProvider{name: "flaky", failures: 2}
	p.AddProvider(prov, 0, 1)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}

	// A success before the third failure clears the streak.
	_, err := p.Query(ctx, barsQuery())
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, p.Stats()["flaky"].BreakerState)

	prov.mu.Lock()
	prov.failures = prov.calls + 2
	prov.mu.Unlock()

	for i := 0; i < 2; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}
	assert.Equal(t, BreakerClosed, p.Stats()["flaky"].BreakerState,
		"two failures after a success must not trip a threshold of three")
}

func TestPool_ResetBreaker(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.AddProvider(&fakeProvider{name: "flaky", failures: 1000}, 0, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Query(ctx, barsQuery())
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, p.Stats()["flaky"].BreakerState)

	p.ResetBreaker("flaky")
	assert.Equal(t, BreakerClosed, p.Stats()["flaky"].BreakerState)
}

func TestPool_AdminUnknownNamesNoOp(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.AddProvider(&fakeProvider{name: "alpha"}, 0, 1)

	p.Enable("ghost")
	p.Disable("ghost")
	p.ResetBreaker("ghost")
	p.RemoveProvider("ghost")

	assert.Len(t, p.Stats(), 1)
}

func TestPool_RemoveProvider(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.AddProvider(&fakeProvider{name: "alpha"}, 0, 1)
	p.AddProvider(&fakeProvider{name: "beta"}, 1, 1)

	p.RemoveProvider("alpha")

	stats := p.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, "beta")
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, testConfig())
	prov := &fakeProvider{name: "alpha", failures: 1}
	p.AddProvider(prov, 2, 3)

	ctx := context.Background()
	_, err := p.Query(ctx, barsQuery())
	require.Error(t, err)
	_, err = p.Query(ctx, barsQuery())
	require.NoError(t, err)

	s := p.Stats()["alpha"]
	assert.Equal(t, 2, s.Priority)
	assert.Equal(t, 3, s.Weight)
	assert.True(t, s.Enabled)
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.FailedRequests)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Contains(t, s.LastError, "upstream unavailable")
	assert.False(t, s.LastErrorTime.IsZero())
}

func TestPool_Healthy(t *testing.T) {
	p := newTestPool(t, testConfig())
	good := &fakeProvider{name: "good"}
	bad := &fakeProvider{name: "bad", failures: 1000}
	p.AddProvider(good, 0, 1)
	p.AddProvider(bad, 1, 1)
	p.Disable("bad")

	ctx := context.Background()
	_, err := p.Query(ctx, barsQuery())
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, p.Healthy())
}

func TestPool_HealthSweepDisablesFailingProvider(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckEnabled = boolPtr(true)
	cfg.HealthCheckInterval = time.Millisecond
	p := newTestPool(t, cfg)

	healthy := &fakeProvider{name: "healthy"}
	sick := &fakeProvider{name: "sick", healthErr: errors.New("ping failed")}
	p.AddProvider(healthy, 0, 1)
	p.AddProvider(sick, 1, 1)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := p.Query(ctx, barsQuery())
		require.NoError(t, err)
		return !p.Stats()["sick"].Enabled
	}, 2*time.Second, 10*time.Millisecond)

	// Recovery re-enables and resets the breaker.
	sick.mu.Lock()
	sick.healthErr = nil
	sick.mu.Unlock()

	require.Eventually(t, func() bool {
		_, err := p.Query(ctx, barsQuery())
		require.NoError(t, err)
		return p.Stats()["sick"].Enabled
	}, 2*time.Second, 10*time.Millisecond)
}
