// Package warehouse provisions the raw OpenAQ tables and loads records into
// them through a staging table and a single MERGE.
package warehouse

import (
	"regexp"

	"github.com/rotisserie/eris"
)

// StagingSuffix is appended to the target table name to form the staging table.
const StagingSuffix = "_staging"

// maxTableName leaves room for partition and index suffixes within
// Postgres's 63-byte identifier limit.
const maxTableName = 40

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Target names the warehouse objects a run writes to.
type Target struct {
	// Project is recorded with each run and substituted into transform SQL.
	Project string
	// Dataset is the Postgres schema holding the raw tables.
	Dataset string
	// Table is the target table name inside Dataset.
	Table string
	// Location is informational run metadata.
	Location string
}

// Validate checks that Dataset and Table are plain identifiers.
func (t Target) Validate() error {
	if !identRe.MatchString(t.Dataset) {
		return eris.Errorf("warehouse: invalid dataset name %q", t.Dataset)
	}
	if !identRe.MatchString(t.Table) || len(t.Table) > maxTableName {
		return eris.Errorf("warehouse: invalid table name %q", t.Table)
	}
	return nil
}

// FQN returns the schema-qualified target table.
func (t Target) FQN() string {
	return t.Dataset + "." + t.Table
}

// StagingFQN returns the schema-qualified staging table.
func (t Target) StagingFQN() string {
	return t.Dataset + "." + t.Table + StagingSuffix
}
