package transform

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Name         string        `json:"name"`
	Err          error         `json:"-"`
	Elapsed      time.Duration `json:"elapsed"`
	RowsAffected int64         `json:"rows_affected"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == nil }

// Summary aggregates a run's step results.
type Summary struct {
	Results   []StepResult  `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    []string      `json:"failed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
	Gold      *GoldStats    `json:"gold,omitempty"`
}

// Fold builds a Summary from results in order.
func Fold(results []StepResult, total int, duration time.Duration) *Summary {
	s := &Summary{Results: results, Total: total, Duration: duration}
	for _, r := range results {
		if r.OK() {
			s.Succeeded++
		} else {
			s.Failed = append(s.Failed, r.Name)
		}
	}
	return s
}

// OK reports whether every step ran and succeeded.
func (s *Summary) OK() bool {
	return len(s.Failed) == 0 && s.Succeeded == s.Total
}

// Err returns an error naming the failed steps, or nil.
func (s *Summary) Err() error {
	if s.OK() {
		return nil
	}
	if len(s.Failed) == 0 {
		return eris.Errorf("transform: only %d of %d steps ran", s.Succeeded, s.Total)
	}
	return eris.Errorf("transform: %d step(s) failed: %s", len(s.Failed), strings.Join(s.Failed, ", "))
}
