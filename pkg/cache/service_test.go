package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/metadata"
	"github.com/quantpulse/tscache/pkg/partition"
	"github.com/quantpulse/tscache/pkg/pool"
	"github.com/quantpulse/tscache/pkg/provider"
	"github.com/quantpulse/tscache/pkg/timerange"
)

// stubProvider serves one synthetic row per weekday in the requested range
// and records every range it was asked for.
type stubProvider struct {
	name string

	mu        sync.Mutex
	calls     []timerange.Range
	empty     bool
	err       error
	failAfter int // fail once this many calls have happened, 0 = immediately when err set
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Query(_ context.Context, q provider.Query) (*frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, q.Range)

	if p.err != nil && len(p.calls) > p.failAfter {
		return nil, p.err
	}

	result := frame.New([]string{"date", "open", "close"})
	if p.empty {
		return result, nil
	}

	for _, day := range timerange.TradingDays(q.Range, timerange.WeekdayCalendar{}) {
		result.Append([]string{day, "10.0", "10.5"})
	}

	return result, nil
}

func (p *stubProvider) HealthCheck(_ context.Context) error { return nil }

func (p *stubProvider) requestedRanges() []timerange.Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]timerange.Range, len(p.calls))
	copy(out, p.calls)

	return out
}

func boolPtr(b bool) *bool { return &b }

func testServiceConfig() *Config {
	return &Config{
		Metadata:  &metadata.Config{Dir: "/meta", FlushThreshold: 100},
		Partition: &partition.Config{Dir: "/data"},
		Pool: &pool.Config{
			Strategy:           pool.StrategyPriority,
			BreakerThreshold:   3,
			BreakerCooldown:    time.Minute,
			HealthCheckEnabled: boolPtr(false),
			MaxConcurrent:      5,
		},
		RetentionDays: 0,
		MaxFetchDays:  1000,
		Maintenance:   MaintenanceConfig{Enabled: boolPtr(false)},
	}
}

func newTestService(t *testing.T) (Service, *stubProvider) {
	t.Helper()

	svc, err := NewService(logrus.New(), testServiceConfig(), afero.NewMemMapFs())
	require.NoError(t, err)

	stub := &stubProvider{name: "stub"}
	svc.Providers().AddProvider(stub, 0, 1)

	return svc, stub
}

func barsQuery(start, end string) provider.Query {
	return provider.Query{
		Kind:       provider.KindDailyBars,
		Symbol:     "sh.600000",
		Range:      timerange.New(start, end),
		Frequency:  "d",
		AdjustFlag: "3",
	}
}

func TestService_FetchMissThenHit(t *testing.T) {
	svc, stub := newTestService(t)
	ctx := context.Background()
	q := barsQuery("2023-01-02", "2023-01-06") // Mon..Fri

	result, err := svc.Fetch(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 5, result.NumRows())
	require.Len(t, stub.requestedRanges(), 1)

	// Second fetch is a pure cache hit.
	result, err = svc.Fetch(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 5, result.NumRows())
	assert.Len(t, stub.requestedRanges(), 1, "no upstream call on hit")
}

func TestService_FetchPartialFetchesOnlyGap(t *testing.T) {
	svc, stub := newTestService(t)
	ctx := context.Background()

	_, err := svc.Fetch(ctx, barsQuery("2023-01-02", "2023-01-06"))
	require.NoError(t, err)

	// Extending the range only fetches the uncovered tail.
	result, err := svc.Fetch(ctx, barsQuery("2023-01-02", "2023-01-13"))
	require.NoError(t, err)
	assert.Equal(t, 10, result.NumRows())

	ranges := stub.requestedRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, timerange.New("2023-01-07", "2023-01-13"), ranges[1])
}

func TestService_FetchChunksLongGaps(t *testing.T) {
	cfg := testServiceConfig()
	cfg.MaxFetchDays = 5

	svc, err := NewService(logrus.New(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)

	stub := &stubProvider{name: "stub"}
	svc.Providers().AddProvider(stub, 0, 1)

	_, err = svc.Fetch(context.Background(), barsQuery("2023-01-02", "2023-01-13"))
	require.NoError(t, err)

	ranges := stub.requestedRanges()
	require.Len(t, ranges, 3)
	assert.Equal(t, timerange.New("2023-01-02", "2023-01-06"), ranges[0])
	assert.Equal(t, timerange.New("2023-01-07", "2023-01-11"), ranges[1])
	assert.Equal(t, timerange.New("2023-01-12", "2023-01-13"), ranges[2])
}

func TestService_FetchKeepsPartialProgressOnFailure(t *testing.T) {
	cfg := testServiceConfig()
	cfg.MaxFetchDays = 5

	svc, err := NewService(logrus.New(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)

	stub := &stubProvider{name: "stub", err: errors.New("quota exceeded"), failAfter: 1}
	svc.Providers().AddProvider(stub, 0, 1)

	q := barsQuery("2023-01-02", "2023-01-13")
	result, err := svc.Fetch(context.Background(), q)
	require.ErrorIs(t, err, ErrPartialData)

	// The successfully fetched chunk is persisted and served.
	require.NotNil(t, result)
	assert.Equal(t, 5, result.NumRows())

	cov := svc.Coverage(q)
	assert.Equal(t, []timerange.Range{timerange.New("2023-01-02", "2023-01-06")}, cov.Cached)
	assert.Positive(t, cov.Ratio)
}

func TestService_FetchFailsOverBetweenProviders(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Providers().RemoveProvider("stub")

	failing := &stubProvider{name: "flaky", err: errors.New("always down")}
	working := &stubProvider{name: "backup"}
	svc.Providers().AddProvider(failing, 0, 1)
	svc.Providers().AddProvider(working, 1, 1)

	result, err := svc.Fetch(context.Background(), barsQuery("2023-01-02", "2023-01-06"))
	require.NoError(t, err)
	assert.Equal(t, 5, result.NumRows())

	// One distinct gap, one failure recorded against the failing provider.
	stats := svc.Providers().Stats()
	assert.Equal(t, int64(1), stats["flaky"].FailedRequests)
	assert.Equal(t, int64(1), stats["backup"].TotalRequests)
}

func TestService_FetchEmptyUpstreamIsNegativeCached(t *testing.T) {
	svc, stub := newTestService(t)
	stub.empty = true
	ctx := context.Background()
	q := barsQuery("2023-01-02", "2023-01-06")

	_, err := svc.Fetch(ctx, q)
	require.ErrorIs(t, err, ErrNoData)

	// The empty answer is remembered; no second upstream call.
	_, err = svc.Fetch(ctx, q)
	require.ErrorIs(t, err, ErrNoData)
	assert.Len(t, stub.requestedRanges(), 1)

	cov := svc.Coverage(q)
	assert.InDelta(t, 1.0, cov.Ratio, 1e-9)

	// The fieldless negative-cache entry is a healthy state.
	assert.Empty(t, svc.Validate())
}

func TestService_FetchRequiresRange(t *testing.T) {
	svc, _ := newTestService(t)

	q := provider.Query{Kind: provider.KindDailyBars, Symbol: "sh.600000"}
	_, err := svc.Fetch(context.Background(), q)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestService_FetchColumnProjection(t *testing.T) {
	svc, _ := newTestService(t)

	q := barsQuery("2023-01-02", "2023-01-03")
	q.Fields = []string{"close"}

	result, err := svc.Fetch(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "close"}, result.Fields)
}

func TestService_PassthroughBypassesCache(t *testing.T) {
	svc, stub := newTestService(t)
	ctx := context.Background()

	q := provider.Query{
		Kind:  provider.KindTradeDates,
		Range: timerange.New("2023-01-02", "2023-01-06"),
	}

	for i := 0; i < 2; i++ {
		result, err := svc.Fetch(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 5, result.NumRows())
	}

	assert.Len(t, stub.requestedRanges(), 2, "pass-through kinds always hit upstream")
}

func TestService_Coverage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Fetch(ctx, barsQuery("2023-01-02", "2023-01-06"))
	require.NoError(t, err)

	cov := svc.Coverage(barsQuery("2023-01-02", "2023-01-10"))
	assert.Len(t, cov.QueryKey, queryKeyLen)
	assert.Equal(t, []timerange.Range{timerange.New("2023-01-02", "2023-01-06")}, cov.Cached)
	assert.Equal(t, []timerange.Range{timerange.New("2023-01-07", "2023-01-10")}, cov.Missing)
	assert.Greater(t, cov.Ratio, 0.0)
	assert.Less(t, cov.Ratio, 1.0)
}

func TestService_Invalidate(t *testing.T) {
	svc, stub := newTestService(t)
	ctx := context.Background()
	q := barsQuery("2023-01-02", "2023-01-06")

	_, err := svc.Fetch(ctx, q)
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(q))
	assert.Empty(t, svc.Coverage(q).Cached)

	_, err = svc.Fetch(ctx, q)
	require.NoError(t, err)
	assert.Len(t, stub.requestedRanges(), 2, "invalidation forces a refetch")
}

func TestService_Stats(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Fetch(context.Background(), barsQuery("2023-01-02", "2023-01-06"))
	require.NoError(t, err)

	stats, err := svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Index.QueryKeys)
	assert.Equal(t, 1, stats.Storage.Files)
	assert.Contains(t, stats.Providers, "stub")
}

func TestService_CleanupWithoutRetention(t *testing.T) {
	svc, _ := newTestService(t)

	stats, err := svc.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, stats.ExpiredKeys)
	assert.Zero(t, stats.Storage.DeletedFiles)
}

func TestService_CleanupKeepsFreshData(t *testing.T) {
	cfg := testServiceConfig()
	cfg.RetentionDays = 30

	svc, err := NewService(logrus.New(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	svc.Providers().AddProvider(&stubProvider{name: "stub"}, 0, 1)

	q := barsQuery("2023-01-02", "2023-01-06")
	_, err = svc.Fetch(context.Background(), q)
	require.NoError(t, err)

	stats, err := svc.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, stats.ExpiredKeys)
	assert.Zero(t, stats.Storage.DeletedFiles)
	assert.NotEmpty(t, svc.Coverage(q).Cached)
}

func TestService_OptimizeHealthyCache(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Fetch(context.Background(), barsQuery("2023-01-02", "2023-01-06"))
	require.NoError(t, err)

	stats, err := svc.Optimize()
	require.NoError(t, err)
	assert.Zero(t, stats.Repair.RemovedKeys)
	assert.Zero(t, stats.RemovedDirs)
	assert.Empty(t, svc.Validate())
}

func TestService_FlushPersistsAcrossRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testServiceConfig()

	svc, err := NewService(logrus.New(), cfg, fs)
	require.NoError(t, err)
	svc.Providers().AddProvider(&stubProvider{name: "stub"}, 0, 1)

	q := barsQuery("2023-01-02", "2023-01-06")
	_, err = svc.Fetch(context.Background(), q)
	require.NoError(t, err)
	require.NoError(t, svc.Flush())

	// A new service over the same filesystem sees the coverage.
	restarted, err := NewService(logrus.New(), cfg, fs)
	require.NoError(t, err)
	assert.NotEmpty(t, restarted.Coverage(q).Cached)
}

func TestService_StartRejectsBadSchedule(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Maintenance = MaintenanceConfig{
		Enabled:         boolPtr(true),
		FlushSchedule:   "not a schedule",
		CleanupSchedule: "@daily",
	}

	svc, err := NewService(logrus.New(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)

	assert.Error(t, svc.Start(context.Background()))
}

func TestService_StartStop(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Maintenance = MaintenanceConfig{
		Enabled:         boolPtr(true),
		FlushSchedule:   "@every 1h",
		CleanupSchedule: "@daily",
	}

	svc, err := NewService(logrus.New(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
}
