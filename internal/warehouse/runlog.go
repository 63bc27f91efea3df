package warehouse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/model"
)

// RunLog provides read/write access to the ops.pipeline_runs table.
type RunLog struct {
	pool  db.Pool
	newID func() uuid.UUID
}

// NewRunLog creates a new RunLog backed by the given connection pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool, newID: uuid.New}
}

// Start records the beginning of a pipeline run and returns its ID.
func (r *RunLog) Start(ctx context.Context, pipeline, project string, metadata map[string]any) (string, error) {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}
	id := r.newID().String()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO ops.pipeline_runs (id, pipeline, project, status, started_at, metadata)
		 VALUES ($1, $2, $3, 'running', now(), $4)`,
		id, pipeline, project, metaJSON,
	)
	if err != nil {
		return "", eris.Wrapf(err, "runlog: start %s run", pipeline)
	}
	return id, nil
}

// Complete marks a run as successfully completed.
func (r *RunLog) Complete(ctx context.Context, runID string, rows int64, metadata map[string]any) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE ops.pipeline_runs
		 SET status = 'complete', completed_at = now(), rows_loaded = $1,
		     metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($2::jsonb, '{}'::jsonb)
		 WHERE id = $3`,
		rows, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", runID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (r *RunLog) Fail(ctx context.Context, runID string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ops.pipeline_runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", runID)
	}
	return nil
}

// Recent returns up to limit runs, newest first. An empty pipeline lists all.
func (r *RunLog) Recent(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, pipeline, project, status, started_at, completed_at, rows_loaded, error, metadata
		 FROM ops.pipeline_runs
		 WHERE $1 = '' OR pipeline = $1
		 ORDER BY started_at DESC LIMIT $2`,
		pipeline, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list recent")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var run model.PipelineRun
		var status string
		var completedAt *time.Time
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Project, &status, &run.StartedAt,
			&completedAt, &run.RowsLoaded, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		run.Status = model.RunStatus(status)
		run.CompletedAt = completedAt
		if errStr != nil {
			run.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &run.Metadata)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal metadata")
	}
	return b, nil
}
