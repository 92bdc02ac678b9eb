package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ssargent/concurrent-index/pkg/config"
)

// rootCmd is the base command when indexbench is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "indexbench",
	Short: "indexbench — benchmark harness for the concurrent ordered index toolkit",
	Long: `indexbench exercises the B+-tree (four latch strategies) and adaptive
radix tree backends under concurrent load, reporting throughput and
optimistic-restart counts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			configPath = config.GetDefaultConfigPath()
		}

		var cfg *config.Config
		if config.ConfigExists(configPath) {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.DefaultConfig()
		}
		loadedConfig = cfg
		return nil
	},
}

// loadedConfig holds the config loaded by the root command's
// PersistentPreRunE, read by every subcommand.
var loadedConfig *config.Config

// Execute runs the root command. Called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML tuning config (defaults to the platform default path)")
	rootCmd.PersistentFlags().String("backend", "bptree", "Index backend: bptree or art")
	rootCmd.PersistentFlags().String("strategy", "", "Override the B+-tree latch strategy from config (A|B|C|D)")
}
