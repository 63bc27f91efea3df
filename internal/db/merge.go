package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// MergeConfig defines a MERGE from a source query into a target table.
type MergeConfig struct {
	Target     string   // target table (e.g., "raw.openaq_pm25_days_raw")
	Source     string   // SELECT producing every column in Columns, at most one row per key
	Columns    []string // all columns written to the target
	Keys       []string // identity columns matched between source and target
	UpdateCols []string // columns overwritten on match; nil = all non-key columns
}

// MergeSQL renders the MERGE statement for cfg. The statement is a pure
// function of cfg, so repeated runs issue identical SQL.
func MergeSQL(cfg MergeConfig) (string, error) {
	if cfg.Target == "" {
		return "", eris.New("db: merge: no target table specified")
	}
	if strings.TrimSpace(cfg.Source) == "" {
		return "", eris.New("db: merge: no source query specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: merge: no columns specified")
	}
	if len(cfg.Keys) == 0 {
		return "", eris.New("db: merge: no key columns specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keySet := make(map[string]bool, len(cfg.Keys))
		for _, k := range cfg.Keys {
			keySet[k] = true
		}
		for _, c := range cfg.Columns {
			if !keySet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	on := make([]string, len(cfg.Keys))
	for i, k := range cfg.Keys {
		id := pgx.Identifier{k}.Sanitize()
		on[i] = fmt.Sprintf("t.%s = s.%s", id, id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t\nUSING (\n%s\n) AS s\nON %s\n",
		SanitizeTable(cfg.Target), strings.TrimSpace(cfg.Source), strings.Join(on, " AND "))

	if len(updateCols) > 0 {
		set := make([]string, len(updateCols))
		for i, c := range updateCols {
			id := pgx.Identifier{c}.Sanitize()
			set[i] = fmt.Sprintf("%s = s.%s", id, id)
		}
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(set, ", "))
	}

	values := make([]string, len(cfg.Columns))
	for i, c := range cfg.Columns {
		values[i] = "s." + pgx.Identifier{c}.Sanitize()
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		quoteAndJoin(cfg.Columns), strings.Join(values, ", "))

	return b.String(), nil
}

// Merge executes the MERGE described by cfg as a single statement and
// returns the number of target rows inserted or updated.
func Merge(ctx context.Context, pool Pool, cfg MergeConfig) (int64, error) {
	sql, err := MergeSQL(cfg)
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, sql)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s", cfg.Target)
	}

	return tag.RowsAffected(), nil
}
