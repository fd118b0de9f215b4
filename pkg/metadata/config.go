package metadata

import "errors"

var (
	// ErrDirRequired is returned when no index directory is configured
	ErrDirRequired = errors.New("metadata directory is required")
	// ErrInvalidFlushThreshold is returned when the flush threshold is not positive
	ErrInvalidFlushThreshold = errors.New("flush threshold must be positive")
)

// Config contains metadata index settings
type Config struct {
	// Dir is the directory holding the index file and its backup
	Dir string `yaml:"dir"`
	// FlushThreshold is the number of mutations between durable flushes
	FlushThreshold int `yaml:"flushThreshold" default:"100"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dir == "" {
		return ErrDirRequired
	}
	if c.FlushThreshold <= 0 {
		return ErrInvalidFlushThreshold
	}

	return nil
}
