package transform

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ProjectPlaceholder is replaced with the project identifier in step SQL.
const ProjectPlaceholder = "{project_id}"

// SQLSource supplies the SQL text for a step.
type SQLSource interface {
	SQL(step Step) (string, error)
}

// DirSource reads step SQL from files under Dir.
type DirSource struct {
	Dir string
}

// SQL reads Dir/step.SQLFile.
func (d DirSource) SQL(step Step) (string, error) {
	path := filepath.Join(d.Dir, step.SQLFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", eris.Errorf("transform: SQL file not found: %s", path)
		}
		return "", eris.Wrapf(err, "transform: read %s", path)
	}
	return string(data), nil
}

// Render substitutes the project identifier into sql.
func Render(sql, project string) string {
	return strings.ReplaceAll(sql, ProjectPlaceholder, project)
}
