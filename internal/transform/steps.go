// Package transform runs the ordered raw-to-silver-to-gold SQL steps.
package transform

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed steps.yaml
var defaultManifest []byte

// Step is one named SQL transformation.
type Step struct {
	Name        string `yaml:"name"`
	SQLFile     string `yaml:"sql_file"`
	Description string `yaml:"description"`
}

type manifest struct {
	Steps []Step `yaml:"steps"`
}

// DefaultSteps returns the built-in step list.
func DefaultSteps() ([]Step, error) {
	return ParseSteps(defaultManifest)
}

// ParseSteps decodes a YAML step manifest. Names must be unique and every
// step needs a SQL file.
func ParseSteps(data []byte) ([]Step, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "transform: parse step manifest")
	}
	if len(m.Steps) == 0 {
		return nil, eris.New("transform: step manifest is empty")
	}
	seen := make(map[string]bool, len(m.Steps))
	for i, s := range m.Steps {
		if s.Name == "" {
			return nil, eris.Errorf("transform: step %d has no name", i)
		}
		if s.SQLFile == "" {
			return nil, eris.Errorf("transform: step %s has no sql_file", s.Name)
		}
		if seen[s.Name] {
			return nil, eris.Errorf("transform: duplicate step %s", s.Name)
		}
		seen[s.Name] = true
	}
	return m.Steps, nil
}
