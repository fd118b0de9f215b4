package cache

import (
	"errors"
	"fmt"

	"github.com/quantpulse/tscache/pkg/metadata"
	"github.com/quantpulse/tscache/pkg/partition"
	"github.com/quantpulse/tscache/pkg/pool"
)

var (
	// ErrMetadataConfigRequired is returned when the metadata section is missing
	ErrMetadataConfigRequired = errors.New("metadata configuration is required")
	// ErrPartitionConfigRequired is returned when the partition section is missing
	ErrPartitionConfigRequired = errors.New("partition configuration is required")
	// ErrPoolConfigRequired is returned when the pool section is missing
	ErrPoolConfigRequired = errors.New("pool configuration is required")
	// ErrInvalidMaxFetchDays is returned when the fetch chunk size is not positive
	ErrInvalidMaxFetchDays = errors.New("max fetch days must be positive")
)

// MaintenanceConfig contains the background maintenance schedules. Schedules
// use cron syntax or @every descriptors.
type MaintenanceConfig struct {
	Enabled         *bool  `yaml:"enabled" default:"true"`
	FlushSchedule   string `yaml:"flushSchedule" default:"@every 5m"`
	CleanupSchedule string `yaml:"cleanupSchedule" default:"@daily"`
}

func (c *MaintenanceConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Config contains cache orchestrator settings
type Config struct {
	Metadata  *metadata.Config  `yaml:"metadata"`
	Partition *partition.Config `yaml:"partition"`
	Pool      *pool.Config      `yaml:"pool"`

	// RetentionDays bounds how long cached data is kept. Zero disables
	// expiry entirely.
	RetentionDays int `yaml:"retentionDays" default:"0"`

	// MaxFetchDays chunks a missing range into fetches of at most this many
	// days, so partial progress is persisted on long backfills.
	MaxFetchDays int `yaml:"maxFetchDays" default:"1000"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Metadata == nil {
		return ErrMetadataConfigRequired
	}
	if c.Partition == nil {
		return ErrPartitionConfigRequired
	}
	if c.Pool == nil {
		return ErrPoolConfigRequired
	}
	if c.MaxFetchDays <= 0 {
		return ErrInvalidMaxFetchDays
	}

	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("metadata config: %w", err)
	}
	if err := c.Partition.Validate(); err != nil {
		return fmt.Errorf("partition config: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	return nil
}
