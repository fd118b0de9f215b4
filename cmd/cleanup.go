package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the retention policy",
	Long:  `Deletes cached data older than the configured retention and flushes the index.`,
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	cacheService, err := buildCacheService(config, logger)
	if err != nil {
		return err
	}

	stats, err := cacheService.Cleanup()
	if err != nil {
		return err
	}

	fmt.Printf("expired %d query keys, deleted %d files (%d bytes)\n",
		stats.ExpiredKeys, stats.Storage.DeletedFiles, stats.Storage.FreedBytes)

	return nil
}
