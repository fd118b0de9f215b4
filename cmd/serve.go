package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantpulse/tscache/pkg/api"
	"github.com/quantpulse/tscache/pkg/observability"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cache daemon",
	Long:  `Runs the cache with the admin API, scheduled maintenance and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(config.Logging)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	logger.Info("Configuration loaded")

	cacheService, err := buildCacheService(config, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := cacheService.Start(ctx); err != nil {
		return err
	}

	apiService := api.NewService(config.API, cacheService, logger)
	if err := apiService.Start(ctx); err != nil {
		return err
	}

	if config.MetricsAddr != "" {
		observability.StartMetricsServer(config.MetricsAddr)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	if err := apiService.Stop(); err != nil {
		logger.WithError(err).Warn("Failed to stop API service")
	}

	return cacheService.Stop()
}
