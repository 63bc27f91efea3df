package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "aq-pipeline",
	Short: "OpenAQ air-quality ingestion and transformation pipeline",
	Long:  "Fetches daily PM2.5 aggregates from the OpenAQ v3 API, merges them into a Postgres warehouse, and builds the silver and gold layers with SQL transforms.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
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
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("project", "", "warehouse project id (GOOGLE_CLOUD_PROJECT)")
	pf.String("database-url", "", "Postgres connection string (DATABASE_URL)")
	pf.String("bq-location", "", "warehouse location recorded with each run (BQ_LOCATION)")
	pf.String("log-level", "", "log level: debug, info, warn, error (LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
