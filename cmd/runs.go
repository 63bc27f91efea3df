package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/warehouse"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ingest and transform runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()

		pipeline, _ := cmd.Flags().GetString("pipeline")
		limit, _ := cmd.Flags().GetInt("max-runs")

		runs, err := warehouse.NewRunLog(pool).Recent(ctx, pipeline, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs, time.Now())
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("pipeline", "", "filter by pipeline (ingest, transform)")
	runsListCmd.Flags().Int("max-runs", 20, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out. Runs still in
// progress show their elapsed time as of now.
func formatRunsList(out io.Writer, runs []model.PipelineRun, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tROWS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t----\t-------\t--------\t-----")

	for _, r := range runs {
		end := now
		if r.CompletedAt != nil {
			end = *r.CompletedAt
		}
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Pipeline,
			r.Status,
			r.RowsLoaded,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			end.Sub(r.StartedAt).Round(time.Second).String(),
			errMsg,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
