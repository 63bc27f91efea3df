package transform

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/aq-pipeline/internal/db"
)

// DefaultProgressInterval is how often a running step logs progress.
const DefaultProgressInterval = 5 * time.Second

// layer is a schema created before any step runs.
type layer struct {
	name        string
	description string
}

var layers = []layer{
	{"silver", "Silver layer: Cleaned and validated data"},
	{"gold", "Gold layer: ML-ready feature store"},
}

// Runner executes transformation steps in order. A failing step is recorded
// and the remaining steps still run.
type Runner struct {
	pool             db.Pool
	source           SQLSource
	steps            []Step
	project          string
	progressInterval time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithProgressInterval sets the progress log cadence. Zero disables it.
func WithProgressInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.progressInterval = d
	}
}

// WithSteps replaces the built-in step list.
func WithSteps(steps []Step) Option {
	return func(r *Runner) {
		r.steps = steps
	}
}

// NewRunner creates a Runner over the built-in steps.
func NewRunner(pool db.Pool, source SQLSource, project string, opts ...Option) (*Runner, error) {
	if project == "" {
		return nil, eris.New("transform: project is required")
	}
	r := &Runner{
		pool:             pool,
		source:           source,
		project:          project,
		progressInterval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.steps == nil {
		steps, err := DefaultSteps()
		if err != nil {
			return nil, err
		}
		r.steps = steps
	}
	return r, nil
}

// Steps returns the steps the runner will execute.
func (r *Runner) Steps() []Step {
	return r.steps
}

// Run ensures the silver and gold schemas exist, executes every step, and
// verifies the gold table when all steps succeeded. A step failure is
// reported only through the Summary; the returned error is reserved for
// schema setup failures and cancellation.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "transform"), zap.String("project", r.project))

	if err := r.ensureLayers(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]StepResult, 0, len(r.steps))
	for _, step := range r.steps {
		if err := ctx.Err(); err != nil {
			return Fold(results, len(r.steps), time.Since(start)), eris.Wrap(err, "transform: cancelled")
		}
		res := r.runStep(ctx, step)
		if !res.OK() {
			log.Warn("step failed, continuing", zap.String("step", step.Name), zap.Error(res.Err))
		}
		results = append(results, res)
	}

	summary := Fold(results, len(r.steps), time.Since(start))
	log.Info("transformation pipeline complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Strings("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)

	if summary.OK() {
		stats, err := VerifyGold(ctx, r.pool)
		if err != nil {
			log.Warn("could not verify gold table", zap.Error(err))
		} else {
			summary.Gold = stats
			log.Info("gold table ready",
				zap.String("table", GoldTable),
				zap.Int64("rows", stats.Rows),
				zap.Int64("columns", stats.Columns),
				zap.Timep("min_date", stats.MinDate),
				zap.Timep("max_date", stats.MaxDate),
				zap.Int64("unique_dates", stats.UniqueDates),
			)
		}
	}
	return summary, nil
}

func (r *Runner) ensureLayers(ctx context.Context) error {
	for _, l := range layers {
		if _, err := r.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+l.name); err != nil {
			return eris.Wrapf(err, "transform: create schema %s", l.name)
		}
		if _, err := r.pool.Exec(ctx, "COMMENT ON SCHEMA "+l.name+" IS '"+l.description+"'"); err != nil {
			return eris.Wrapf(err, "transform: comment schema %s", l.name)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step) StepResult {
	log := zap.L().With(zap.String("component", "transform"), zap.String("step", step.Name))
	log.Info("running step", zap.String("description", step.Description), zap.String("sql_file", step.SQLFile))

	res := StepResult{Name: step.Name}
	start := time.Now()

	sql, err := r.source.SQL(step)
	if err != nil {
		res.Err = err
		return res
	}

	rows, err := r.execWithProgress(ctx, step, Render(sql, r.project))
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Err = eris.Wrapf(err, "transform: step %s", step.Name)
		return res
	}
	res.RowsAffected = rows
	log.Info("step complete", zap.Duration("elapsed", res.Elapsed), zap.Int64("rows", rows))
	return res
}

// execWithProgress runs sql while a ticker goroutine logs elapsed time.
func (r *Runner) execWithProgress(ctx context.Context, step Step, sql string) (int64, error) {
	done := make(chan struct{})
	var g errgroup.Group
	if r.progressInterval > 0 {
		start := time.Now()
		g.Go(func() error {
			ticker := time.NewTicker(r.progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-ticker.C:
					zap.L().Info("query running",
						zap.String("step", step.Name),
						zap.Duration("elapsed", time.Since(start).Round(100*time.Millisecond)),
					)
				}
			}
		})
	}

	tag, err := r.pool.Exec(ctx, sql)
	close(done)
	_ = g.Wait()
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
