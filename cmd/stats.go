package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics",
	Long:  `Prints aggregated index, storage and provider statistics as JSON.`,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
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

	stats, err := cacheService.Stats()
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	return nil
}
