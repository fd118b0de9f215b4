// Package partition stores time-series rows as columnar files partitioned by
// entity and calendar-year bucket. The store holds no shared mutable state;
// callers that may write the same bucket concurrently must serialize those
// writes themselves.
package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quantpulse/tscache/pkg/frame"
	"github.com/quantpulse/tscache/pkg/timerange"
)

const fileExt = ".arrow"

var (
	// ErrDirRequired is returned when no data directory is configured
	ErrDirRequired = errors.New("partition directory is required")
)

// Config contains partition store settings
type Config struct {
	// Dir is the root directory for partition files
	Dir string `yaml:"dir"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dir == "" {
		return ErrDirRequired
	}

	return nil
}

// Stats aggregates on-disk usage of the store.
type Stats struct {
	Files      int            `json:"files"`
	SizeBytes  int64          `json:"size_bytes"`
	Entities   int            `json:"entities"`
	DataKinds  []string       `json:"data_kinds"`
	ByEntity   map[string]int `json:"by_entity"`
	OldestFile time.Time      `json:"oldest_file,omitempty"`
}

// CleanupStats reports what a retention sweep removed.
type CleanupStats struct {
	DeletedFiles int   `json:"deleted_files"`
	FreedBytes   int64 `json:"freed_bytes"`
}

// Store reads and writes year-bucketed partition files.
type Store struct {
	log logrus.FieldLogger
	fs  afero.Fs
	dir string
}

// NewStore creates a partition store rooted at cfg.Dir.
func NewStore(log logrus.FieldLogger, cfg *Config, fs afero.Fs) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	return &Store{
		log: log.WithField("component", "partition"),
		fs:  fs,
		dir: cfg.Dir,
	}, nil
}

// Write persists data for the given entity and kind, splitting it across
// year buckets derived from r. Buckets that already exist on disk are merged:
// rows are concatenated, deduplicated by date with the new rows winning, and
// rewritten wholesale. Returns the paths written.
func (s *Store) Write(entityID, dataKind string, data *frame.Frame, r timerange.Range) ([]string, error) {
	if data.Empty() {
		return nil, nil
	}

	dir := filepath.Join(s.dir, entityID, dataKind)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}

	var written []string
	for _, bucket := range timerange.SplitByYear(r) {
		if _, _, ok := rangeYears(bucket); !ok {
			s.log.WithField("bucket", bucket.String()).Warn("Skipping bucket with unparseable dates")
			continue
		}

		bucketData := cloneFrame(data)
		bucketData.FilterRange(bucket)
		if bucketData.Empty() {
			continue
		}

		path := filepath.Join(dir, bucketFileName(bucket))

		if exists, _ := afero.Exists(s.fs, path); exists {
			existing, err := s.readFile(path, nil)
			if err != nil {
				s.log.WithError(err).WithField("path", path).Warn("Existing partition unreadable, rewriting")
			} else {
				existing.Concat(bucketData)
				bucketData = existing
			}
		}

		bucketData.DedupeByDate()

		if err := s.writeFile(path, bucketData); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	return written, nil
}

// Read loads all rows for entity/kind intersecting r, optionally projected to
// the requested columns. Candidate files are chosen from their filenames
// alone. Returns (nil, nil) when no data exists for the range; listing
// failures other than a missing directory are logged and treated as a miss.
func (s *Store) Read(entityID, dataKind string, r timerange.Range, columns []string) (*frame.Frame, error) {
	dir := filepath.Join(s.dir, entityID, dataKind)

	files, err := s.relevantFiles(dir, r)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).WithField("dir", dir).Warn("Failed to list partition files")
		}
		return nil, nil
	}
	if len(files) == 0 {
		return nil, nil
	}

	var result *frame.Frame
	for _, path := range files {
		f, err := s.readFile(path, columns)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("Skipping unreadable partition file")
			continue
		}
		if f.Empty() {
			continue
		}
		if result == nil {
			result = f
		} else {
			result.Concat(f)
		}
	}

	if result == nil {
		return nil, nil
	}

	result.FilterRange(r)
	if result.Empty() {
		return nil, nil
	}

	return result, nil
}

// Remove deletes all partition files for entity/kind and prunes the entity
// directory when it becomes empty. Removing data that does not exist is a
// no-op.
func (s *Store) Remove(entityID, dataKind string) error {
	dir := filepath.Join(s.dir, entityID, dataKind)

	if exists, _ := afero.DirExists(s.fs, dir); !exists {
		return nil
	}

	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove partitions: %w", err)
	}

	entityDir := filepath.Join(s.dir, entityID)
	entries, err := afero.ReadDir(s.fs, entityDir)
	if err == nil && len(entries) == 0 {
		if err := s.fs.Remove(entityDir); err != nil {
			s.log.WithError(err).WithField("dir", entityDir).Debug("Failed to prune empty entity directory")
		}
	}

	return nil
}

// Stats walks the store and aggregates file counts and sizes.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByEntity: make(map[string]int)}
	kinds := make(map[string]bool)

	entities, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition directory: %w", err)
	}

	for _, entity := range entities {
		if !entity.IsDir() {
			continue
		}
		stats.Entities++

		entityDir := filepath.Join(s.dir, entity.Name())
		kindDirs, err := afero.ReadDir(s.fs, entityDir)
		if err != nil {
			continue
		}

		for _, kind := range kindDirs {
			if !kind.IsDir() {
				continue
			}
			kinds[kind.Name()] = true

			files, err := afero.ReadDir(s.fs, filepath.Join(entityDir, kind.Name()))
			if err != nil {
				continue
			}
			for _, fi := range files {
				if fi.IsDir() || !strings.HasSuffix(fi.Name(), fileExt) {
					continue
				}
				stats.Files++
				stats.SizeBytes += fi.Size()
				stats.ByEntity[entity.Name()]++
				if stats.OldestFile.IsZero() || fi.ModTime().Before(stats.OldestFile) {
					stats.OldestFile = fi.ModTime()
				}
			}
		}
	}

	for kind := range kinds {
		stats.DataKinds = append(stats.DataKinds, kind)
	}
	sort.Strings(stats.DataKinds)

	return stats, nil
}

// Cleanup deletes partition files last modified before the retention cutoff
// and reports what was freed.
func (s *Store) Cleanup(retentionDays int) (*CleanupStats, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	stats := &CleanupStats{}

	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(info.Name(), fileExt) {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		size := info.Size()
		if removeErr := s.fs.Remove(path); removeErr != nil {
			s.log.WithError(removeErr).WithField("path", path).Warn("Failed to delete expired partition file")
			return nil
		}

		stats.DeletedFiles++
		stats.FreedBytes += size

		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("cleanup walk failed: %w", err)
	}

	return stats, nil
}

// Sweep prunes directories left empty by cleanup or removal and reports how
// many were removed.
func (s *Store) Sweep() (int, error) {
	removed := 0

	entities, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read partition directory: %w", err)
	}

	for _, entity := range entities {
		if !entity.IsDir() {
			continue
		}
		entityDir := filepath.Join(s.dir, entity.Name())

		kindDirs, err := afero.ReadDir(s.fs, entityDir)
		if err != nil {
			continue
		}
		for _, kind := range kindDirs {
			if !kind.IsDir() {
				continue
			}
			kindDir := filepath.Join(entityDir, kind.Name())
			files, err := afero.ReadDir(s.fs, kindDir)
			if err != nil || len(files) > 0 {
				continue
			}
			if err := s.fs.Remove(kindDir); err == nil {
				removed++
			}
		}

		entries, err := afero.ReadDir(s.fs, entityDir)
		if err == nil && len(entries) == 0 {
			if err := s.fs.Remove(entityDir); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

// relevantFiles selects bucket files in dir whose filename-encoded year span
// intersects r, without opening any file.
func (s *Store) relevantFiles(dir string, r timerange.Range) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}

	startYear, endYear, ok := rangeYears(r)
	if !ok {
		return nil, nil
	}

	var files []string
	for _, fi := range entries {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), fileExt) {
			continue
		}

		fileStart, fileEnd, ok := parseBucketName(strings.TrimSuffix(fi.Name(), fileExt))
		if !ok {
			continue
		}
		if endYear < fileStart || startYear > fileEnd {
			continue
		}

		files = append(files, filepath.Join(dir, fi.Name()))
	}
	sort.Strings(files)

	return files, nil
}

func (s *Store) readFile(path string, columns []string) (*frame.Frame, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decodeFrame(f, columns)
}

func (s *Store) writeFile(path string, data *frame.Frame) error {
	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create partition file: %w", err)
	}

	if err := encodeFrame(f, data); err != nil {
		f.Close() //nolint:errcheck,gosec // Encode error takes precedence
		return err
	}

	return f.Close()
}

// bucketFileName encodes a bucket's year span: "2023" for a single year,
// "2021_2023" for a cross-year span.
func bucketFileName(bucket timerange.Range) string {
	startYear := bucket.Start[:4]
	endYear := bucket.End[:4]
	if startYear == endYear {
		return startYear + fileExt
	}
	return startYear + "_" + endYear + fileExt
}

func parseBucketName(name string) (startYear, endYear int, ok bool) {
	if before, after, found := strings.Cut(name, "_"); found {
		start, err1 := strconv.Atoi(before)
		end, err2 := strconv.Atoi(after)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return start, end, true
	}

	year, err := strconv.Atoi(name)
	if err != nil {
		return 0, 0, false
	}
	return year, year, true
}

func rangeYears(r timerange.Range) (startYear, endYear int, ok bool) {
	if len(r.Start) < 4 || len(r.End) < 4 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(r.Start[:4])
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.Atoi(r.End[:4])
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

func cloneFrame(f *frame.Frame) *frame.Frame {
	out := frame.New(append([]string(nil), f.Fields...))
	out.Rows = append([][]string(nil), f.Rows...)
	return out
}
