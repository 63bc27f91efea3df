package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Pipeline names recorded in the run log.
const (
	PipelineIngest    = "ingest"
	PipelineTransform = "transform"
)

// PipelineRun is one entry in the warehouse run log.
type PipelineRun struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Project     string         `json:"project"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RowsLoaded  int64          `json:"rows_loaded"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
