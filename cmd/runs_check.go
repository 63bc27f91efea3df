package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/monitoring"
	"github.com/sells-group/aq-pipeline/internal/warehouse"
)

var runsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate run-log health and send webhook alerts",
	Long: `Collects ingest and transform run statistics over the lookback window and
raises alerts for high failure rates, runs stuck in "running", and a missing
recent successful ingest. Exits non-zero when any alert fires. With --watch
the check repeats until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()

		mc := cfg.Monitoring
		collector := monitoring.NewCollector(warehouse.NewRunLog(pool), time.Duration(mc.StaleRunMinutes)*time.Minute)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(mc), mc)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			checker.Run(ctx)
			return nil
		}

		alerts, err := checker.Check(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(alerts); err != nil {
			return eris.Wrap(err, "runs check: encode alerts")
		}
		if len(alerts) > 0 {
			return eris.Errorf("runs check: %d alert(s) triggered", len(alerts))
		}
		return nil
	},
}

func init() {
	runsCheckCmd.Flags().Bool("watch", false, "repeat the check every monitoring.check_interval_secs")
	runsCheckCmd.Flags().String("webhook-url", "", "alert webhook (ALERT_WEBHOOK_URL)")
	runsCheckCmd.Flags().String("lookback-hours", "", "lookback window in hours (ALERT_LOOKBACK_HOURS)")
	runsCmd.AddCommand(runsCheckCmd)
}
