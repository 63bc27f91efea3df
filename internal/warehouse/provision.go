package warehouse

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/db"
)

//go:embed ddl/*.sql.tmpl
var ddlFS embed.FS

var ddl = template.Must(template.ParseFS(ddlFS, "ddl/*.sql.tmpl"))

// provisionLockKey serializes concurrent provisioning runs.
const provisionLockKey = 7302115

// Template names in apply order.
var (
	provisionSteps = []string{
		"001_schema.sql.tmpl",
		"002_target.sql.tmpl",
		"003_partitions.sql.tmpl",
		"004_staging.sql.tmpl",
		"005_runlog.sql.tmpl",
	}
	partitionSteps = []string{"003_partitions.sql.tmpl"}
	runLogSteps    = []string{"005_runlog.sql.tmpl"}
)

// Partition is one yearly range partition of the target table.
type Partition struct {
	Name string
	From string
	To   string
}

type ddlData struct {
	Schema       string
	Target       string
	Staging      string
	ClusterIndex string
	Partitions   []Partition
}

// YearlyPartitions returns one partition per calendar year touched by
// [from, to].
func YearlyPartitions(t Target, from, to time.Time) []Partition {
	if to.Before(from) {
		to = from
	}
	var years []int
	for y := from.UTC().Year(); y <= to.UTC().Year(); y++ {
		years = append(years, y)
	}
	return PartitionsForYears(t, years)
}

// PartitionsForYears returns the partition of each year in years, in order.
func PartitionsForYears(t Target, years []int) []Partition {
	parts := make([]Partition, 0, len(years))
	for _, y := range years {
		parts = append(parts, Partition{
			Name: pgx.Identifier{t.Dataset, fmt.Sprintf("%s_y%d", t.Table, y)}.Sanitize(),
			From: fmt.Sprintf("%04d-01-01 00:00:00+00", y),
			To:   fmt.Sprintf("%04d-01-01 00:00:00+00", y+1),
		})
	}
	return parts
}

func newDDLData(t Target, parts []Partition) ddlData {
	return ddlData{
		Schema:       pgx.Identifier{t.Dataset}.Sanitize(),
		Target:       db.SanitizeTable(t.FQN()),
		Staging:      db.SanitizeTable(t.StagingFQN()),
		ClusterIndex: pgx.Identifier{t.Table + "_sensor_location_idx"}.Sanitize(),
		Partitions:   parts,
	}
}

// RenderDDL renders the named templates for t with the given partitions.
func RenderDDL(t Target, parts []Partition, names ...string) ([]string, error) {
	data := newDDLData(t, parts)
	out := make([]string, 0, len(names))
	for _, name := range names {
		var buf bytes.Buffer
		if err := ddl.ExecuteTemplate(&buf, name, data); err != nil {
			return nil, eris.Wrapf(err, "warehouse: render %s", name)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// Provision creates the schema, the partitioned target table, its yearly
// partitions, the staging table, and the run log. Partitions cover [from, to]
// plus the following year, since a day near the end of the range can carry a
// UTC instant in the next year. Every statement is idempotent.
func Provision(ctx context.Context, pool db.Pool, t Target, from, to time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if to.Before(from) {
		to = from
	}
	stmts, err := RenderDDL(t, YearlyPartitions(t, from, to.AddDate(1, 0, 0)), provisionSteps...)
	if err != nil {
		return err
	}
	return applyLocked(ctx, pool, provisionSteps, stmts)
}

// EnsurePartitions creates any missing yearly partitions for years.
func EnsurePartitions(ctx context.Context, pool db.Pool, t Target, years []int) error {
	if len(years) == 0 {
		return nil
	}
	if err := t.Validate(); err != nil {
		return err
	}
	stmts, err := RenderDDL(t, PartitionsForYears(t, years), partitionSteps...)
	if err != nil {
		return err
	}
	return applyLocked(ctx, pool, partitionSteps, stmts)
}

// EnsureRunLog creates only the ops run log.
func EnsureRunLog(ctx context.Context, pool db.Pool) error {
	stmts, err := RenderDDL(Target{}, nil, runLogSteps...)
	if err != nil {
		return err
	}
	return applyLocked(ctx, pool, runLogSteps, stmts)
}

// applyLocked runs stmts in one transaction holding a transaction-scoped
// advisory lock, so concurrent provisioners apply DDL one at a time.
func applyLocked(ctx context.Context, pool db.Pool, names, stmts []string) error {
	log := zap.L().With(zap.String("component", "warehouse.provision"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "warehouse: provision: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", provisionLockKey); err != nil {
		return eris.Wrap(err, "warehouse: acquire provision advisory lock")
	}

	for i, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "warehouse: apply %s", names[i])
		}
		log.Debug("ddl applied", zap.String("file", names[i]))
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "warehouse: provision: commit tx")
	}
	return nil
}
