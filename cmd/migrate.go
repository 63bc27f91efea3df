package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/config"
	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/warehouse"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the raw schema, tables, partitions, and run log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		target := warehouse.Target{
			Project:  cfg.Project,
			Dataset:  cfg.Warehouse.Dataset,
			Table:    cfg.Warehouse.Table,
			Location: cfg.Warehouse.Location,
		}
		from, to := migrateRange(cfg.OpenAQ.DateFrom, cfg.OpenAQ.DateTo, time.Now())

		pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := warehouse.Provision(ctx, pool, target, from, to); err != nil {
			return err
		}
		zap.L().Info("warehouse provisioned",
			zap.String("table", target.FQN()),
			zap.Int("year_from", from.Year()),
			zap.Int("year_to", to.Year()),
		)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("bq-dataset", "", "raw schema (BQ_DATASET_RAW)")
	migrateCmd.Flags().String("bq-table", "", "raw table (BQ_TABLE_RAW)")
	migrateCmd.Flags().String("date-from", "", "first partitioned day, YYYY-MM-DD (DATE_FROM)")
	migrateCmd.Flags().String("date-to", "", "last partitioned day, YYYY-MM-DD (DATE_TO)")
	rootCmd.AddCommand(migrateCmd)
}

// migrateRange parses the partition window, falling back to the default
// start date and today.
func migrateRange(dateFrom, dateTo string, now time.Time) (time.Time, time.Time) {
	from, err := time.Parse(time.DateOnly, dateFrom)
	if err != nil {
		from, _ = time.Parse(time.DateOnly, config.DefaultDateFrom)
	}
	to, err := time.Parse(time.DateOnly, dateTo)
	if err != nil {
		to = now.UTC()
	}
	if to.Before(from) {
		to = from
	}
	return from, to
}
