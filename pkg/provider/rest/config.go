package rest

import (
	"errors"
	"time"
)

var (
	// ErrNameRequired is returned when the provider name is empty
	ErrNameRequired = errors.New("provider name is required")
	// ErrBaseURLRequired is returned when the base URL is empty
	ErrBaseURLRequired = errors.New("provider base URL is required")
)

// Config contains settings for one REST market data provider.
type Config struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"baseUrl"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	QueryTimeout time.Duration `yaml:"queryTimeout" default:"30s"`
	KeepAlive    time.Duration `yaml:"keepAlive" default:"90s"`

	// HealthPath is the endpoint probed by health checks.
	HealthPath string `yaml:"healthPath" default:"/health"`

	// Kinds restricts which query kinds this provider serves. Empty means
	// all kinds.
	Kinds []string `yaml:"kinds"`

	Debug bool `yaml:"debug"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}

	if c.BaseURL == "" {
		return ErrBaseURLRequired
	}

	return nil
}
