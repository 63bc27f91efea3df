// Package monitoring evaluates pipeline health from the run log and sends
// webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aq-pipeline/internal/model"
)

// maxRuns bounds how many run-log rows one collection reads.
const maxRuns = 10000

// PipelineStats counts runs of one pipeline within the lookback window.
type PipelineStats struct {
	Total      int     `json:"total"`
	Complete   int     `json:"complete"`
	Failed     int     `json:"failed"`
	Running    int     `json:"running"`
	Stale      int     `json:"stale"`
	FailRate   float64 `json:"fail_rate"`
	RowsLoaded int64   `json:"rows_loaded"`

	// LastSuccess is the start of the newest complete run, if any.
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Ingest    PipelineStats `json:"ingest"`
	Transform PipelineStats `json:"transform"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister reads recent runs, newest first. *warehouse.RunLog satisfies it.
type RunLister interface {
	Recent(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error)
}

// Collector gathers metrics from the run log.
type Collector struct {
	runs       RunLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. A running run older than
// staleAfter counts as stale; zero disables the check.
func NewCollector(runs RunLister, staleAfter time.Duration) *Collector {
	return &Collector{runs: runs, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.Recent(ctx, "", maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		var ps *PipelineStats
		switch r.Pipeline {
		case model.PipelineIngest:
			ps = &snap.Ingest
		case model.PipelineTransform:
			ps = &snap.Transform
		default:
			continue
		}

		// Freshness looks past the window.
		if r.Status == model.RunStatusComplete && ps.LastSuccess == nil {
			started := r.StartedAt
			ps.LastSuccess = &started
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}

		ps.Total++
		switch r.Status {
		case model.RunStatusComplete:
			ps.Complete++
			ps.RowsLoaded += r.RowsLoaded
		case model.RunStatusFailed:
			ps.Failed++
		case model.RunStatusRunning:
			ps.Running++
			if c.staleAfter > 0 && now.Sub(r.StartedAt) > c.staleAfter {
				ps.Stale++
			}
		}
	}

	for _, ps := range []*PipelineStats{&snap.Ingest, &snap.Transform} {
		if finished := ps.Complete + ps.Failed; finished > 0 {
			ps.FailRate = float64(ps.Failed) / float64(finished)
		}
	}
	return snap, nil
}
