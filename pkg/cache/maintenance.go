package cache

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronRunner is the slice of *cron.Cron the maintenance loop uses, swappable
// in tests.
type cronRunner interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}

// Start launches the scheduled maintenance jobs.
func (s *service) Start(_ context.Context) error {
	if !s.cfg.Maintenance.enabled() {
		s.log.Info("Cache maintenance disabled")
		return nil
	}

	runner := s.cron
	if runner == nil {
		runner = cron.New()
		s.cron = runner
	}

	if _, err := runner.AddFunc(s.cfg.Maintenance.FlushSchedule, s.flushJob); err != nil {
		return fmt.Errorf("invalid flush schedule: %w", err)
	}
	if _, err := runner.AddFunc(s.cfg.Maintenance.CleanupSchedule, s.cleanupJob); err != nil {
		return fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	runner.Start()

	s.log.WithField("flush", s.cfg.Maintenance.FlushSchedule).
		WithField("cleanup", s.cfg.Maintenance.CleanupSchedule).
		Info("Started cache maintenance")

	return nil
}

// Stop halts maintenance, waits for running jobs, and flushes the index.
func (s *service) Stop() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	if err := s.index.Flush(); err != nil {
		return fmt.Errorf("failed to flush index on shutdown: %w", err)
	}

	s.log.Info("Stopped cache service")

	return nil
}

func (s *service) flushJob() {
	if err := s.index.Flush(); err != nil {
		s.log.WithError(err).Warn("Scheduled index flush failed")
	}
}

func (s *service) cleanupJob() {
	stats, err := s.Cleanup()
	if err != nil {
		s.log.WithError(err).Warn("Scheduled cleanup failed")
		return
	}

	optimized, err := s.Optimize()
	if err != nil {
		s.log.WithError(err).Warn("Scheduled optimize failed")
		return
	}

	s.log.WithField("expired_keys", stats.ExpiredKeys).
		WithField("deleted_files", stats.Storage.DeletedFiles).
		WithField("removed_dirs", optimized.RemovedDirs).
		Info("Completed scheduled maintenance")
}
