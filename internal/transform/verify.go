package transform

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aq-pipeline/internal/db"
)

// GoldTable is the feature table built by the final step.
const GoldTable = "gold.health_environment_features"

// GoldStats describes the gold feature table after a run.
type GoldStats struct {
	Rows        int64      `json:"rows"`
	Columns     int64      `json:"columns"`
	MinDate     *time.Time `json:"min_date,omitempty"`
	MaxDate     *time.Time `json:"max_date,omitempty"`
	UniqueDates int64      `json:"unique_dates"`
}

const goldStatsSQL = `SELECT
    COUNT(*),
    (SELECT COUNT(*) FROM information_schema.columns
      WHERE table_schema = 'gold' AND table_name = 'health_environment_features'),
    MIN(date)::timestamptz,
    MAX(date)::timestamptz,
    COUNT(DISTINCT date)
FROM gold.health_environment_features`

// VerifyGold reads row count, column count, and date coverage of GoldTable.
func VerifyGold(ctx context.Context, pool db.Pool) (*GoldStats, error) {
	var s GoldStats
	err := pool.QueryRow(ctx, goldStatsSQL).Scan(&s.Rows, &s.Columns, &s.MinDate, &s.MaxDate, &s.UniqueDates)
	if err != nil {
		return nil, eris.Wrapf(err, "transform: verify %s", GoldTable)
	}
	return &s, nil
}
