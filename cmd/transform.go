package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/config"
	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/transform"
	"github.com/sells-group/aq-pipeline/internal/warehouse"
)

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Run the silver and gold SQL transforms",
	Long: `Executes the transform steps in order against the warehouse. A failed
step is logged and the remaining steps still run; the command exits non-zero
if any step failed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tc, err := cfg.TransformSettings()
		if err != nil {
			return err
		}

		pool, err := db.Connect(ctx, tc.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()

		summary, err := runTransform(ctx, pool, transform.DirSource{Dir: tc.SQLDir}, tc)
		if err != nil {
			return err
		}
		return summary.Err()
	},
}

func init() {
	transformCmd.Flags().String("sql-dir", "", "directory holding the step SQL files (SQL_DIR)")
	rootCmd.AddCommand(transformCmd)
}

// runTransform runs every step and records the outcome in the run log.
func runTransform(ctx context.Context, pool db.Pool, src transform.SQLSource, tc config.Transform) (*transform.Summary, error) {
	log := zap.L().With(zap.String("component", "transform"), zap.String("project", tc.Project))

	opts := []transform.Option{}
	if tc.ProgressInterval > 0 {
		opts = append(opts, transform.WithProgressInterval(tc.ProgressInterval))
	}
	runner, err := transform.NewRunner(pool, src, tc.Project, opts...)
	if err != nil {
		return nil, err
	}

	runs := warehouse.NewRunLog(pool)
	if err := warehouse.EnsureRunLog(ctx, pool); err != nil {
		log.Warn("could not provision run log", zap.Error(err))
	}
	runID, err := runs.Start(ctx, model.PipelineTransform, tc.Project, map[string]any{
		"sql_dir":  tc.SQLDir,
		"location": tc.Location,
		"steps":    len(runner.Steps()),
	})
	if err != nil {
		log.Warn("could not record run start", zap.Error(err))
	}

	summary, runErr := runner.Run(ctx)
	if runID != "" {
		recordTransform(ctx, runs, runID, summary, runErr)
	}
	return summary, runErr
}

func recordTransform(ctx context.Context, runs *warehouse.RunLog, runID string, summary *transform.Summary, runErr error) {
	// Record the outcome even when the run was interrupted.
	ctx = context.WithoutCancel(ctx)
	err := runErr
	if err == nil {
		err = summary.Err()
	}

	var rerr error
	if err != nil {
		rerr = runs.Fail(ctx, runID, err.Error())
	} else {
		meta := map[string]any{"succeeded": summary.Succeeded, "total": summary.Total}
		var rows int64
		if summary.Gold != nil {
			rows = summary.Gold.Rows
			meta["gold_unique_dates"] = summary.Gold.UniqueDates
		}
		rerr = runs.Complete(ctx, runID, rows, meta)
	}
	if rerr != nil {
		zap.L().Warn("could not record transform outcome", zap.String("run_id", runID), zap.Error(rerr))
	}
}
