package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opendental-query",
	Short: "Run SQL across every OpenDental office at once",
	Long:  "Fans a single read-only SQL query out to all configured OpenDental offices, merges the results into one deterministically ordered table, and exports to CSV or XLSX.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
