package warehouse

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/db"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/normalize"
)

var (
	// stagingColumns is the COPY column order of the staging table.
	stagingColumns = []string{
		"batch_seq", "sensor_id", "date_utc", "value", "units",
		"parameter", "location_id", "longitude", "latitude", "raw_json",
	}
	targetColumns = stagingColumns[1:]
	mergeKeys     = []string{"sensor_id", "date_utc"}
)

// LoadResult summarizes one Load call.
type LoadResult struct {
	Staged        int64 `json:"staged"`
	Merged        int64 `json:"merged"`
	DuplicateKeys int   `json:"duplicate_keys"`
	Skipped       bool  `json:"skipped"`
}

// Loader writes records into a Target through its staging table.
type Loader struct {
	pool   db.Pool
	target Target
}

// NewLoader creates a Loader for t.
func NewLoader(pool db.Pool, t Target) *Loader {
	return &Loader{pool: pool, target: t}
}

// Stage replaces the staging table's contents with records. Each row carries
// its position in records as batch_seq.
func (l *Loader) Stage(ctx context.Context, records []model.Record) (int64, error) {
	n, err := db.ReplaceRows(ctx, l.pool, l.target.StagingFQN(), stagingColumns, stagingRows(records))
	if err != nil {
		return 0, err
	}
	zap.L().Info("warehouse: staged rows",
		zap.String("table", l.target.StagingFQN()),
		zap.Int64("rows", n),
	)
	return n, nil
}

// MergeConfig describes the staging-to-target MERGE.
func (l *Loader) MergeConfig() db.MergeConfig {
	return db.MergeConfig{
		Target:  l.target.FQN(),
		Source:  l.sourceSQL(),
		Columns: targetColumns,
		Keys:    mergeKeys,
	}
}

// sourceSQL selects staged rows with a date, cast to the target types, keeping
// only the highest batch_seq for each key.
func (l *Loader) sourceSQL() string {
	return fmt.Sprintf(`SELECT DISTINCT ON (sensor_id, date_utc)
    sensor_id, date_utc, value, units, parameter, location_id, longitude, latitude, raw_json
FROM (
    SELECT
        batch_seq,
        sensor_id,
        CAST(date_utc AS TIMESTAMPTZ) AS date_utc,
        value,
        units,
        parameter,
        location_id,
        longitude,
        latitude,
        raw_json
    FROM %s
    WHERE date_utc IS NOT NULL AND date_utc <> ''
) staged
ORDER BY sensor_id, date_utc, batch_seq DESC`, db.SanitizeTable(l.target.StagingFQN()))
}

// Merge upserts the staged rows into the target in one statement.
func (l *Loader) Merge(ctx context.Context) (int64, error) {
	n, err := db.Merge(ctx, l.pool, l.MergeConfig())
	if err != nil {
		return 0, err
	}
	zap.L().Info("warehouse: merged staging into target",
		zap.String("table", l.target.FQN()),
		zap.Int64("rows", n),
	)
	return n, nil
}

// Load stages records, creates any yearly partitions the batch needs, and
// merges. No records, or nothing staged, skips the remaining steps.
func (l *Loader) Load(ctx context.Context, records []model.Record) (*LoadResult, error) {
	log := zap.L().With(zap.String("component", "warehouse.loader"))
	if len(records) == 0 {
		log.Info("no rows fetched; skipping load")
		return &LoadResult{Skipped: true}, nil
	}

	res := &LoadResult{DuplicateKeys: duplicateKeys(records)}
	if res.DuplicateKeys > 0 {
		log.Warn("duplicate keys in batch; last occurrence wins",
			zap.Int("duplicates", res.DuplicateKeys),
		)
	}

	staged, err := l.Stage(ctx, records)
	if err != nil {
		return nil, err
	}
	res.Staged = staged
	if staged == 0 {
		log.Info("no rows staged; skipping merge")
		res.Skipped = true
		return res, nil
	}

	if err := EnsurePartitions(ctx, l.pool, l.target, batchYears(records)); err != nil {
		return nil, err
	}

	merged, err := l.Merge(ctx)
	if err != nil {
		return nil, err
	}
	res.Merged = merged
	return res, nil
}

func stagingRows(records []model.Record) [][]any {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			int64(i), r.SensorID, r.DateUTC, r.Value, r.Units,
			r.Parameter, r.LocationID, r.Longitude, r.Latitude, r.RawJSON,
		}
	}
	return rows
}

// instantKey identifies a record by sensor and the instant its date denotes,
// matching the merge's dedupe after the timestamptz cast. Unparseable dates
// fall back to the raw string.
type instantKey struct {
	sensorID int64
	instant  time.Time
	raw      string
}

func keyOf(r model.Record) instantKey {
	if ts, ok := normalize.ParseTimestamp(r.DateUTC); ok {
		return instantKey{sensorID: r.SensorID, instant: ts.UTC()}
	}
	return instantKey{sensorID: r.SensorID, raw: r.DateUTC}
}

// duplicateKeys counts records whose key already appeared earlier in the batch.
func duplicateKeys(records []model.Record) int {
	seen := make(map[instantKey]struct{}, len(records))
	dups := 0
	for _, r := range records {
		k := keyOf(r)
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// batchYears returns the distinct UTC years of the records' dates, ascending.
func batchYears(records []model.Record) []int {
	seen := make(map[int]struct{})
	var years []int
	for _, r := range records {
		ts, ok := normalize.ParseTimestamp(r.DateUTC)
		if !ok {
			continue
		}
		y := ts.UTC().Year()
		if _, dup := seen[y]; dup {
			continue
		}
		seen[y] = struct{}{}
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}
