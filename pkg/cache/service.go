// Package cache orchestrates the range-reconciling fetch pipeline: compute
// the missing portions of a requested range, fetch only those from the
// provider pool, persist them, and serve the assembled result from local
// partitions.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/metadata"
	"github.com/quantpulse/tscache/pkg/observability"
	"github.com/quantpulse/tscache/pkg/partition"
	"github.com/quantpulse/tscache/pkg/pool"
	"github.com/quantpulse/tscache/pkg/provider"
	"github.com/quantpulse/tscache/pkg/timerange"
)

var (
	// ErrNoData is returned when a query succeeds but yields no rows, locally
	// or upstream. Callers can treat it as an empty result rather than a fault.
	ErrNoData = errors.New("no data available for query")
	// ErrPartialData is returned alongside a non-nil result when some missing
	// ranges could not be fetched. The result is the best achievable union of
	// cached and freshly fetched data.
	ErrPartialData = errors.New("partial data: some missing ranges could not be fetched")
	// ErrInvalidRange is returned when a range-cacheable query carries no range
	ErrInvalidRange = errors.New("query range is required")
)

// Coverage describes how much of a target range the cache already holds.
type Coverage struct {
	QueryKey string            `json:"query_key"`
	Target   timerange.Range   `json:"target"`
	Cached   []timerange.Range `json:"cached"`
	Missing  []timerange.Range `json:"missing"`
	Ratio    float64           `json:"ratio"`
}

// Stats aggregates index, storage and provider statistics.
type Stats struct {
	Index     metadata.Stats                `json:"index"`
	Storage   *partition.Stats              `json:"storage"`
	Providers map[string]pool.ProviderStats `json:"providers"`
}

// CleanupStats reports what a retention sweep removed.
type CleanupStats struct {
	ExpiredKeys int                     `json:"expired_keys"`
	Storage     *partition.CleanupStats `json:"storage"`
}

// OptimizeStats reports what an optimize pass repaired.
type OptimizeStats struct {
	Repair      metadata.RepairStats `json:"repair"`
	RemovedDirs int                  `json:"removed_dirs"`
}

// Service is the cache orchestrator.
type Service interface {
	// Start launches background maintenance.
	Start(ctx context.Context) error
	// Stop halts maintenance and flushes the index.
	Stop() error

	// Fetch serves a query through the cache, fetching only missing ranges
	// upstream. Non-range-cacheable kinds pass straight through. When some
	// missing ranges cannot be fetched, the best achievable result is
	// returned together with an error wrapping ErrPartialData.
	Fetch(ctx context.Context, q provider.Query) (*frame.Frame, error)
	// Passthrough delegates a query to the provider pool, bypassing the cache.
	Passthrough(ctx context.Context, q provider.Query) (*frame.Frame, error)

	// Coverage reports cached and missing portions of the query's range.
	Coverage(q provider.Query) Coverage
	// Invalidate drops all cached data and metadata for the query's key.
	Invalidate(q provider.Query) error

	// Stats aggregates index, storage and provider statistics.
	Stats() (*Stats, error)
	// Cleanup applies the retention policy to index and storage.
	Cleanup() (*CleanupStats, error)
	// Optimize repairs index inconsistencies and prunes empty storage.
	Optimize() (*OptimizeStats, error)
	// Flush persists the metadata index now.
	Flush() error
	// Validate reports index inconsistencies without repairing them.
	Validate() []string

	// Providers exposes the pool for provider administration.
	Providers() *pool.Pool
}

type service struct {
	log   logrus.FieldLogger
	cfg   *Config
	index *metadata.Index
	store *partition.Store
	pool  *pool.Pool
	locks *keyedLocks

	cron cronRunner
}

var _ Service = (*service)(nil)

// NewService creates a cache orchestrator. Providers are registered afterwards
// through Providers().
func NewService(log logrus.FieldLogger, cfg *Config, fs afero.Fs) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	index, err := metadata.NewIndex(log, cfg.Metadata, fs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata index: %w", err)
	}

	store, err := partition.NewStore(log, cfg.Partition, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition store: %w", err)
	}

	providerPool, err := pool.NewPool(log, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider pool: %w", err)
	}

	return &service{
		log:   log.WithField("service", "cache"),
		cfg:   cfg,
		index: index,
		store: store,
		pool:  providerPool,
		locks: newKeyedLocks(),
	}, nil
}

func (s *service) Providers() *pool.Pool {
	return s.pool
}

func (s *service) Fetch(ctx context.Context, q provider.Query) (*frame.Frame, error) {
	if !q.Kind.RangeCacheable() {
		return s.Passthrough(ctx, q)
	}

	if q.Range.Start == "" || q.Range.End == "" {
		return nil, ErrInvalidRange
	}

	start := time.Now()
	result, status, err := s.fetchRange(ctx, q)
	observability.RecordFetch(string(q.Kind), status, time.Since(start))

	if err != nil && !errors.Is(err, ErrNoData) {
		observability.RecordError("cache", "fetch")
	}

	return result, err
}

// fetchRange runs the reconcile pipeline under the bucket write locks.
func (s *service) fetchRange(ctx context.Context, q provider.Query) (*frame.Frame, string, error) {
	key := QueryKey(q)
	entity := q.Symbol
	kind := DataKind(q)

	release := s.locks.acquire(bucketLockKeys(entity, kind, q.Range)...)
	defer release()

	cached := s.index.CachedRanges(key)
	missing := timerange.Missing(q.Range, cached)

	var status string
	switch {
	case len(missing) == 0:
		status = "hit"
	case len(cached) > 0:
		status = "partial"
	default:
		status = "miss"
	}

	// A failed gap never aborts the others: whatever can be fetched is
	// persisted and the caller gets the best achievable union.
	var gapErrs []error
	for _, gap := range missing {
		for _, chunk := range timerange.SplitByDays(gap, s.cfg.MaxFetchDays) {
			if err := s.fillGap(ctx, q, key, entity, kind, chunk); err != nil {
				gapErrs = append(gapErrs, err)
				s.log.WithError(err).WithFields(logrus.Fields{
					"key":   key,
					"range": chunk.String(),
				}).Warn("Failed to fill missing range")
			}
		}
	}

	result, err := s.store.Read(entity, kind, q.Range, q.Fields)
	if err != nil {
		return nil, "error", fmt.Errorf("failed to read cached partitions: %w", err)
	}
	if result == nil || result.Empty() {
		if len(gapErrs) > 0 {
			return nil, "error", errors.Join(gapErrs...)
		}
		return nil, status, ErrNoData
	}
	if len(gapErrs) > 0 {
		return result, "partial_error", fmt.Errorf("%w: %w", ErrPartialData, errors.Join(gapErrs...))
	}

	s.log.WithFields(logrus.Fields{
		"key":    key,
		"symbol": q.Symbol,
		"range":  q.Range.String(),
		"status": status,
		"rows":   result.NumRows(),
	}).Debug("Served query from cache")

	return result, status, nil
}

// fillGap fetches one missing chunk upstream and persists it. An empty
// upstream result still extends the index so the chunk is not refetched.
func (s *service) fillGap(ctx context.Context, q provider.Query, key, entity, kind string, gap timerange.Range) error {
	gq := q
	gq.Range = gap
	// Fetch all fields upstream so later projections hit the same partitions.
	gq.Fields = nil

	result, err := s.pool.Query(ctx, gq)
	if err != nil {
		observability.RecordGapFetch("error")
		return fmt.Errorf("failed to fetch missing range %s: %w", gap, err)
	}

	if result == nil || result.Empty() {
		var fields []string
		if info, ok := s.index.Info(key); ok {
			fields = info.Fields
		}
		s.index.Extend(key, []timerange.Range{gap}, fields)
		observability.RecordGapFetch("empty")

		s.log.WithFields(logrus.Fields{
			"key":   key,
			"range": gap.String(),
		}).Debug("Upstream returned no rows for missing range")

		return nil
	}

	if _, err := s.store.Write(entity, kind, result, gap); err != nil {
		observability.RecordGapFetch("error")
		return fmt.Errorf("failed to persist fetched range %s: %w", gap, err)
	}

	s.index.Extend(key, []timerange.Range{gap}, result.Fields)
	observability.RecordGapFetch("success")

	return nil
}

func (s *service) Passthrough(ctx context.Context, q provider.Query) (*frame.Frame, error) {
	start := time.Now()

	result, err := s.pool.Query(ctx, q)
	observability.RecordFetch(string(q.Kind), "passthrough", time.Since(start))

	if err != nil {
		return nil, err
	}
	if result == nil || result.Empty() {
		return nil, ErrNoData
	}

	return result, nil
}

func (s *service) Coverage(q provider.Query) Coverage {
	key := QueryKey(q)
	cached := s.index.CachedRanges(key)

	return Coverage{
		QueryKey: key,
		Target:   q.Range,
		Cached:   cached,
		Missing:  timerange.Missing(q.Range, cached),
		Ratio:    timerange.CoverageRatio(q.Range, cached),
	}
}

func (s *service) Invalidate(q provider.Query) error {
	key := QueryKey(q)
	entity := q.Symbol
	kind := DataKind(q)

	cached := s.index.CachedRanges(key)
	if start, end, ok := timerange.Bounds(cached); ok {
		release := s.locks.acquire(bucketLockKeys(entity, kind, timerange.New(start, end))...)
		defer release()
	}

	s.index.Remove(key)
	if err := s.store.Remove(entity, kind); err != nil {
		return fmt.Errorf("failed to remove partitions: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":    key,
		"symbol": q.Symbol,
		"kind":   kind,
	}).Info("Invalidated cached data")

	return nil
}

func (s *service) Stats() (*Stats, error) {
	storage, err := s.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}

	indexStats := s.index.Stats()
	observability.SetCachedRecordsEstimate(int64(indexStats.TotalRecords))

	return &Stats{
		Index:     indexStats,
		Storage:   storage,
		Providers: s.pool.Stats(),
	}, nil
}

func (s *service) Cleanup() (*CleanupStats, error) {
	if s.cfg.RetentionDays <= 0 {
		return &CleanupStats{Storage: &partition.CleanupStats{}}, nil
	}

	expired := s.index.CleanupExpired(s.cfg.RetentionDays)

	storage, err := s.store.Cleanup(s.cfg.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("storage cleanup failed: %w", err)
	}

	if err := s.index.Flush(); err != nil {
		s.log.WithError(err).Warn("Failed to flush index after cleanup")
	}

	return &CleanupStats{ExpiredKeys: expired, Storage: storage}, nil
}

func (s *service) Optimize() (*OptimizeStats, error) {
	repair := s.index.Repair()

	removed, err := s.store.Sweep()
	if err != nil {
		return nil, fmt.Errorf("storage sweep failed: %w", err)
	}

	if err := s.index.Flush(); err != nil {
		s.log.WithError(err).Warn("Failed to flush index after optimize")
	}

	return &OptimizeStats{Repair: repair, RemovedDirs: removed}, nil
}

func (s *service) Flush() error {
	return s.index.Flush()
}

func (s *service) Validate() []string {
	return s.index.Validate()
}

// bucketLockKeys names the write locks guarding every year bucket r touches.
func bucketLockKeys(entity, kind string, r timerange.Range) []string {
	buckets := timerange.SplitByYear(r)

	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		year := b.Start
		if len(year) >= 4 {
			year = year[:4]
		}
		keys = append(keys, entity+"/"+kind+"/"+year)
	}

	return keys
}
