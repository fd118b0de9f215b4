package cmd

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/quantpulse/tscache/pkg/api"
	"github.com/quantpulse/tscache/pkg/cache"
	"github.com/quantpulse/tscache/pkg/metadata"
	"github.com/quantpulse/tscache/pkg/partition"
	"github.com/quantpulse/tscache/pkg/pool"
	"github.com/quantpulse/tscache/pkg/provider/rest"
)

// ProviderConfig is one upstream provider entry in the root config.
type ProviderConfig struct {
	rest.Config `yaml:",inline"`

	Priority int `yaml:"priority" default:"0"`
	Weight   int `yaml:"weight" default:"1"`
}

// Config is the root configuration for the tscache daemon and CLI.
type Config struct {
	Logging     string `yaml:"logging" default:"info"`
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`

	Cache     *cache.Config     `yaml:"cache"`
	API       *api.Config       `yaml:"api"`
	Providers []*ProviderConfig `yaml:"providers"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	for _, p := range c.Providers {
		if err := p.Config.Validate(); err != nil {
			return fmt.Errorf("provider config: %w", err)
		}
	}

	return nil
}

func loadConfigFromFile(file string) (*Config, error) {
	if file == "" {
		file = "./config.yaml"
	}

	config := &Config{
		Cache: &cache.Config{
			Metadata:  &metadata.Config{},
			Partition: &partition.Config{},
			Pool:      &pool.Config{},
		},
		API: &api.Config{},
	}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// buildCacheService assembles the orchestrator and registers the configured
// providers.
func buildCacheService(config *Config, log *logrus.Logger) (cache.Service, error) {
	svc, err := cache.NewService(log, config.Cache, afero.NewOsFs())
	if err != nil {
		return nil, err
	}

	for _, pc := range config.Providers {
		client, err := rest.NewClient(log, &pc.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		svc.Providers().AddProvider(client, pc.Priority, pc.Weight)
	}

	return svc, nil
}
