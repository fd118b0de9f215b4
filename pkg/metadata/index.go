// Package metadata maintains the durable index of which date ranges are
// cached per logical query key. The index is the source of truth for cache
// coverage; partition files on disk are only authoritative once recorded
// here.
package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quantpulse/tscache/pkg/timerange"
)

const (
	indexFileName  = "metadata.json"
	backupFileName = "metadata_backup.json"
)

// Entry is the bookkeeping record for one query key.
type Entry struct {
	CachedRanges []timerange.Range `json:"cached_ranges"`
	LastUpdated  time.Time         `json:"last_updated"`
	Fields       []string          `json:"fields"`
	TotalRecords int               `json:"total_records"`
}

// Stats summarizes the whole index.
type Stats struct {
	QueryKeys     int    `json:"query_keys"`
	CachedRanges  int    `json:"cached_ranges"`
	TotalRecords  int    `json:"total_records"`
	CoverageStart string `json:"coverage_start,omitempty"`
	CoverageEnd   string `json:"coverage_end,omitempty"`
}

// RepairStats counts the remedial actions taken by Repair.
type RepairStats struct {
	RemovedKeys     int `json:"removed_keys"`
	MergedRangeSets int `json:"merged_range_sets"`
	DroppedRanges   int `json:"dropped_ranges"`
}

// Index is the persistent, thread-safe query-key → cached-range mapping.
//
// All mutations are serialized under one mutex; a flush to disk is triggered
// every FlushThreshold mutations. A failed flush is logged and retried on the
// next triggering mutation, never surfaced to the mutating caller.
type Index struct {
	log logrus.FieldLogger
	fs  afero.Fs
	cal timerange.Calendar

	dir            string
	flushThreshold int

	mu      sync.Mutex
	entries map[string]*Entry
	ops     int
}

// NewIndex loads or creates an index in cfg.Dir. When the primary file is
// missing but a backup exists, the backup is promoted and re-persisted as
// primary. A nil calendar defaults to the weekday approximation.
func NewIndex(log logrus.FieldLogger, cfg *Config, fs afero.Fs, cal timerange.Calendar) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cal == nil {
		cal = timerange.WeekdayCalendar{}
	}

	idx := &Index{
		log:            log.WithField("component", "metadata"),
		fs:             fs,
		cal:            cal,
		dir:            cfg.Dir,
		flushThreshold: cfg.FlushThreshold,
		entries:        make(map[string]*Entry),
	}

	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	if err := idx.load(); err != nil {
		return nil, err
	}

	return idx, nil
}

// CachedRanges returns the canonical cached range set for key, empty when the
// key has never been seen.
func (x *Index) CachedRanges(key string) []timerange.Range {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		return nil
	}

	ranges := make([]timerange.Range, len(entry.CachedRanges))
	copy(ranges, entry.CachedRanges)

	return ranges
}

// Extend merges newRanges into the key's cached set, keeping it canonical,
// and refreshes the field list and bookkeeping.
func (x *Index) Extend(key string, newRanges []timerange.Range, fields []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var existing []timerange.Range
	if entry, ok := x.entries[key]; ok {
		existing = entry.CachedRanges
	}

	merged := timerange.Merge(append(existing, newRanges...))

	x.entries[key] = &Entry{
		CachedRanges: merged,
		LastUpdated:  time.Now().UTC(),
		Fields:       fields,
		TotalRecords: x.estimateRecords(merged),
	}

	x.noteMutation()
}

// Shrink removes r from the key's cached set, splitting overlapping ranges
// into their surviving portions. The key is deleted when nothing survives.
func (x *Index) Shrink(key string, r timerange.Range) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		return
	}

	var survivors []timerange.Range
	for _, existing := range entry.CachedRanges {
		if !existing.Overlaps(r) {
			survivors = append(survivors, existing)
			continue
		}
		if existing.Start < r.Start {
			end := timerange.PrevDay(r.Start)
			if existing.Start <= end {
				survivors = append(survivors, timerange.New(existing.Start, end))
			}
		}
		if existing.End > r.End {
			start := timerange.NextDay(r.End)
			if start <= existing.End {
				survivors = append(survivors, timerange.New(start, existing.End))
			}
		}
	}

	if len(survivors) == 0 {
		delete(x.entries, key)
	} else {
		entry.CachedRanges = survivors
		entry.LastUpdated = time.Now().UTC()
		entry.TotalRecords = x.estimateRecords(survivors)
	}

	x.noteMutation()
}

// Remove deletes all metadata for key. Unknown keys are a no-op.
func (x *Index) Remove(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.entries[key]; !ok {
		return
	}

	delete(x.entries, key)
	x.noteMutation()
}

// Keys returns all known query keys.
func (x *Index) Keys() []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys := make([]string, 0, len(x.entries))
	for key := range x.entries {
		keys = append(keys, key)
	}

	return keys
}

// Info returns a copy of the entry for key.
func (x *Index) Info(key string) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		return Entry{}, false
	}

	out := *entry
	out.CachedRanges = append([]timerange.Range(nil), entry.CachedRanges...)
	out.Fields = append([]string(nil), entry.Fields...)

	return out, true
}

// Stats returns aggregate index statistics.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()

	stats := Stats{QueryKeys: len(x.entries)}

	var all []timerange.Range
	for _, entry := range x.entries {
		stats.CachedRanges += len(entry.CachedRanges)
		stats.TotalRecords += entry.TotalRecords
		all = append(all, entry.CachedRanges...)
	}

	if start, end, ok := timerange.Bounds(all); ok {
		stats.CoverageStart = start
		stats.CoverageEnd = end
	}

	return stats
}

// CleanupExpired removes keys not updated within retentionDays and returns
// how many were dropped.
func (x *Index) CleanupExpired(retentionDays int) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var expired []string
	for key, entry := range x.entries {
		if entry.LastUpdated.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(x.entries, key)
	}

	if len(expired) > 0 {
		x.noteMutation()
	}

	return len(expired)
}

// Validate reports structural problems without mutating anything. An empty
// field list is not an issue: keys whose cached ranges have only ever come
// back empty from upstream legitimately have no fields recorded.
func (x *Index) Validate() []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var issues []string
	for key, entry := range x.entries {
		if len(entry.CachedRanges) == 0 {
			issues = append(issues, fmt.Sprintf("key %s: no cached ranges", key))
		}
		for i, r := range entry.CachedRanges {
			if _, err := time.Parse(timerange.DateLayout, r.Start); err != nil {
				issues = append(issues, fmt.Sprintf("key %s: range %d has unparseable start %q", key, i, r.Start))
			}
			if _, err := time.Parse(timerange.DateLayout, r.End); err != nil {
				issues = append(issues, fmt.Sprintf("key %s: range %d has unparseable end %q", key, i, r.End))
			}
			if r.Start > r.End {
				issues = append(issues, fmt.Sprintf("key %s: range %d starts after it ends", key, i))
			}
		}
	}

	return issues
}

// Repair drops unparseable or inverted ranges, re-merges each key's range
// set, and removes keys left with no valid ranges.
func (x *Index) Repair() RepairStats {
	x.mu.Lock()
	defer x.mu.Unlock()

	var stats RepairStats

	var emptyKeys []string
	for key, entry := range x.entries {
		valid := make([]timerange.Range, 0, len(entry.CachedRanges))
		for _, r := range entry.CachedRanges {
			if !validRange(r) {
				stats.DroppedRanges++
				continue
			}
			valid = append(valid, r)
		}

		if len(valid) == 0 {
			emptyKeys = append(emptyKeys, key)
			continue
		}

		merged := timerange.Merge(valid)
		if len(merged) < len(valid) {
			stats.MergedRangeSets++
		}
		entry.CachedRanges = merged
		entry.TotalRecords = x.estimateRecords(merged)
	}

	for _, key := range emptyKeys {
		delete(x.entries, key)
		stats.RemovedKeys++
	}

	if stats.RemovedKeys > 0 || stats.MergedRangeSets > 0 || stats.DroppedRanges > 0 {
		x.noteMutation()
	}

	return stats
}

// Flush persists the index, rewriting the backup copy before overwriting the
// primary file.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.flushLocked()
}

func (x *Index) flushLocked() error {
	primary := filepath.Join(x.dir, indexFileName)
	backup := filepath.Join(x.dir, backupFileName)

	if exists, _ := afero.Exists(x.fs, primary); exists {
		current, err := afero.ReadFile(x.fs, primary)
		if err != nil {
			return fmt.Errorf("failed to read index for backup: %w", err)
		}
		if err := afero.WriteFile(x.fs, backup, current, 0o644); err != nil {
			return fmt.Errorf("failed to write index backup: %w", err)
		}
	}

	data, err := json.MarshalIndent(x.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	if err := afero.WriteFile(x.fs, primary, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	return nil
}

func (x *Index) load() error {
	primary := filepath.Join(x.dir, indexFileName)
	backup := filepath.Join(x.dir, backupFileName)

	// Each file decodes into a fresh map; a mid-decode failure must not leave
	// partial entries behind for the next candidate to merge into.
	data, err := afero.ReadFile(x.fs, primary)
	if err == nil {
		entries := make(map[string]*Entry)
		if jsonErr := json.Unmarshal(data, &entries); jsonErr == nil {
			x.entries = entries
			return nil
		}
		x.log.Warn("Index file is corrupt, attempting backup")
	}

	backupData, backupErr := afero.ReadFile(x.fs, backup)
	if backupErr == nil {
		entries := make(map[string]*Entry)
		if jsonErr := json.Unmarshal(backupData, &entries); jsonErr == nil {
			x.entries = entries
			x.log.Info("Recovered index from backup, promoting to primary")
			if flushErr := x.flushLocked(); flushErr != nil {
				x.log.WithError(flushErr).Warn("Failed to re-persist promoted backup")
			}
			return nil
		}
	}

	// Neither file is usable; start empty. Partition files on disk remain
	// re-fetchable, only the coverage bookkeeping is lost.
	x.entries = make(map[string]*Entry)

	return nil
}

// noteMutation bumps the operation counter and flushes when the threshold is
// reached. Callers must hold the lock.
func (x *Index) noteMutation() {
	x.ops++
	if x.ops < x.flushThreshold {
		return
	}

	if err := x.flushLocked(); err != nil {
		x.log.WithError(err).Error("Failed to flush metadata index, will retry")
		return
	}
	x.ops = 0
}

// estimateRecords approximates row counts as one record per trading day.
func (x *Index) estimateRecords(ranges []timerange.Range) int {
	total := 0
	for _, r := range ranges {
		total += len(timerange.TradingDays(r, x.cal))
	}
	return total
}

func validRange(r timerange.Range) bool {
	if _, err := time.Parse(timerange.DateLayout, r.Start); err != nil {
		return false
	}
	if _, err := time.Parse(timerange.DateLayout, r.End); err != nil {
		return false
	}
	return r.Start <= r.End
}
