package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var validateRepair bool

//nolint:gochecknoglobals // Cobra commands are typically global
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the metadata index",
	Long:  `Checks the metadata index for inconsistencies, optionally repairing them.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateRepair, "repair", false, "repair inconsistencies and prune empty storage")
}

func runValidate(cmd *cobra.Command, _ []string) error {
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

	issues := cacheService.Validate()
	if len(issues) == 0 {
		fmt.Println("metadata index is consistent")
		return nil
	}

	for _, issue := range issues {
		fmt.Println(issue)
	}

	if !validateRepair {
		return nil
	}

	stats, err := cacheService.Optimize()
	if err != nil {
		return err
	}

	fmt.Printf("repaired: removed %d keys, merged %d range sets, dropped %d ranges, pruned %d directories\n",
		stats.Repair.RemovedKeys, stats.Repair.MergedRangeSets, stats.Repair.DroppedRanges, stats.RemovedDirs)

	return nil
}
