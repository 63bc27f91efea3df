package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/config"
	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/fetcher"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/resilience"
	"github.com/sells-group/aq-pipeline/internal/warehouse"
	"github.com/sells-group/aq-pipeline/pkg/openaq"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch OpenAQ sensor days and merge them into the raw table",
	Long: `Fetches daily aggregates for every configured sensor, stages them, and
merges them into the raw table keyed by (sensor_id, date_utc). Re-running
over the same window leaves the table unchanged.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		in, err := cfg.Ingest(time.Now())
		if err != nil {
			return err
		}

		pool, err := db.Connect(ctx, in.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()

		_, err = runIngest(ctx, pool, newOpenAQClient(in), in)
		return err
	},
}

func init() {
	f := ingestCmd.Flags()
	f.String("bq-dataset", "", "raw schema (BQ_DATASET_RAW)")
	f.String("bq-table", "", "raw table (BQ_TABLE_RAW)")
	f.String("api-key", "", "OpenAQ API key (OPENAQ_API_KEY)")
	f.String("date-from", "", "first day to fetch, YYYY-MM-DD (DATE_FROM)")
	f.String("date-to", "", "last day to fetch, YYYY-MM-DD; defaults to today UTC (DATE_TO)")
	f.String("parameter-id", "", "OpenAQ parameter id filter; -1 for none (PARAMETER_ID)")
	f.String("sensor-ids-file", "", "file listing sensor ids (IDS_FILE)")
	f.String("sensor-ids", "", "inline sensor ids, used when the file yields none (IDS)")
	f.String("limit", "", "page size (LIMIT_PER_PAGE)")
	f.String("timeout", "", "per-request timeout in seconds (TIMEOUT_SEC)")
	f.String("max-retries", "", "attempts per request (MAX_RETRIES)")
	f.String("sleep-between-pages", "", "pause between pages in seconds (SLEEP_BETWEEN_PAGES)")
	f.String("sleep-between-sensors", "", "pause between sensors in seconds (SLEEP_BETWEEN_SENSORS)")
	f.String("max-pages", "", "page ceiling per sensor (MAX_PAGES)")

	rootCmd.AddCommand(ingestCmd)
}

func ingestTarget(in config.Ingest) warehouse.Target {
	return warehouse.Target{
		Project:  in.Project,
		Dataset:  in.Dataset,
		Table:    in.Table,
		Location: in.Location,
	}
}

func newOpenAQClient(in config.Ingest) openaq.Client {
	getter := fetcher.NewJSONClient(fetcher.HTTPOptions{
		Timeout:           in.Timeout,
		Policy:            resilience.HTTPPolicy{MaxAttempts: in.MaxRetries},
		RequestsPerSecond: in.RequestsPerSecond,
	})
	return openaq.NewClient(in.APIKey,
		openaq.Query{
			DateFrom:    in.DateFrom,
			DateTo:      in.DateTo,
			ParameterID: in.ParameterID,
			Limit:       in.Limit,
		},
		openaq.WithBaseURL(in.BaseURL),
		openaq.WithGetter(getter),
		openaq.WithPageDelay(in.SleepBetweenPages),
		openaq.WithSensorDelay(in.SleepBetweenSensors),
		openaq.WithMaxPages(in.MaxPages),
	)
}

// runIngest provisions the raw tables, fetches every sensor, and loads the
// result. Run-log failures are logged and never fail the ingest.
func runIngest(ctx context.Context, pool db.Pool, client openaq.Client, in config.Ingest) (*warehouse.LoadResult, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("project", in.Project))
	target := ingestTarget(in)

	from, to := in.DateRange()
	if err := warehouse.Provision(ctx, pool, target, from, to); err != nil {
		return nil, err
	}

	log.Info("starting ingest",
		zap.String("table", target.FQN()),
		zap.Int("sensors", len(in.SensorIDs)),
		zap.String("date_from", in.DateFrom),
		zap.String("date_to", in.DateTo),
	)

	runs := warehouse.NewRunLog(pool)
	runID, err := runs.Start(ctx, model.PipelineIngest, in.Project, map[string]any{
		"table":     target.FQN(),
		"location":  in.Location,
		"sensors":   in.SensorIDs,
		"date_from": in.DateFrom,
		"date_to":   in.DateTo,
	})
	if err != nil {
		log.Warn("could not record run start", zap.Error(err))
	}

	res, err := fetchAndLoad(ctx, pool, client, target, in.SensorIDs)
	if err != nil {
		if runID != "" {
			if ferr := runs.Fail(context.WithoutCancel(ctx), runID, err.Error()); ferr != nil {
				log.Warn("could not record run failure", zap.Error(ferr))
			}
		}
		return nil, err
	}

	if runID != "" {
		meta := map[string]any{
			"staged":         res.Staged,
			"duplicate_keys": res.DuplicateKeys,
			"skipped":        res.Skipped,
		}
		if cerr := runs.Complete(ctx, runID, res.Merged, meta); cerr != nil {
			log.Warn("could not record run completion", zap.Error(cerr))
		}
	}

	log.Info("ingest complete",
		zap.Int64("staged", res.Staged),
		zap.Int64("merged", res.Merged),
		zap.Bool("skipped", res.Skipped),
	)
	return res, nil
}

func fetchAndLoad(ctx context.Context, pool db.Pool, client openaq.Client, target warehouse.Target, ids []int64) (*warehouse.LoadResult, error) {
	fetched, err := client.FetchAll(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch")
	}
	return warehouse.NewLoader(pool, target).Load(ctx, fetched.Records)
}
