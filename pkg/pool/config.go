package pool

import (
	"errors"
	"time"
)

var (
	// ErrInvalidStrategy is returned for an unknown load balance strategy
	ErrInvalidStrategy = errors.New("unknown load balance strategy")
	// ErrInvalidBreakerThreshold is returned when the breaker threshold is not positive
	ErrInvalidBreakerThreshold = errors.New("breaker threshold must be positive")
	// ErrInvalidMaxConcurrent is returned when the concurrency cap is not positive
	ErrInvalidMaxConcurrent = errors.New("max concurrent requests must be positive")
)

// Strategy selects how candidate providers are ordered for an invocation.
type Strategy string

const (
	// StrategyPriority orders candidates by ascending priority value
	StrategyPriority Strategy = "priority"
	// StrategyResponseTime orders candidates by ascending average response time
	StrategyResponseTime Strategy = "response_time"
	// StrategyRoundRobin rotates the starting candidate across invocations
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyWeightedRoundRobin rotates with per-provider weight expansion
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	// StrategyRandom shuffles the candidates
	StrategyRandom Strategy = "random"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyPriority, StrategyResponseTime, StrategyRoundRobin,
		StrategyWeightedRoundRobin, StrategyRandom:
		return true
	}
	return false
}

// Config contains provider pool settings
type Config struct {
	Strategy Strategy `yaml:"strategy" default:"priority"`

	// Failover continues to the next candidate after a failure. When
	// disabled the first failure propagates immediately.
	Failover *bool `yaml:"failover" default:"true"`

	BreakerEnabled   *bool         `yaml:"breakerEnabled" default:"true"`
	BreakerThreshold int           `yaml:"breakerThreshold" default:"5"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown" default:"60s"`

	HealthCheckEnabled  *bool         `yaml:"healthCheckEnabled" default:"true"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval" default:"30s"`

	// MaxConcurrent caps in-flight invocations pool-wide. The cap fails
	// fast rather than queueing callers.
	MaxConcurrent int `yaml:"maxConcurrent" default:"5"`

	// RateLimit throttles each provider to this many requests per second.
	// Zero disables throttling.
	RateLimit float64 `yaml:"rateLimit" default:"0"`
	RateBurst int     `yaml:"rateBurst" default:"1"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !c.Strategy.valid() {
		return ErrInvalidStrategy
	}
	if c.BreakerThreshold <= 0 {
		return ErrInvalidBreakerThreshold
	}
	if c.MaxConcurrent <= 0 {
		return ErrInvalidMaxConcurrent
	}

	return nil
}

func (c *Config) failoverEnabled() bool {
	return c.Failover == nil || *c.Failover
}

func (c *Config) breakerEnabled() bool {
	return c.BreakerEnabled == nil || *c.BreakerEnabled
}

func (c *Config) healthCheckEnabled() bool {
	return c.HealthCheckEnabled == nil || *c.HealthCheckEnabled
}
