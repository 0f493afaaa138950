package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// Manifest lists the CDM tables of an ETL and how each is sourced.
type Manifest struct {
	Tables []TableSpec `yaml:"tables"`

	// BaseDir resolves relative usagi paths. It defaults to the manifest's directory.
	BaseDir string `yaml:"-"`
}

// TableSpec describes one CDM table.
type TableSpec struct {
	Name string `yaml:"name"`
	// PrimaryKey overrides the key discovered from the OMOP schema.
	PrimaryKey string `yaml:"primary_key"`
	// Columns are discovered from the OMOP schema when empty.
	Columns   []string `yaml:"columns"`
	DependsOn []string `yaml:"depends_on"`
	// SourceVocabularyID is the default for usagi rows without one.
	SourceVocabularyID string        `yaml:"source_vocabulary_id"`
	Concepts           []ConceptSpec `yaml:"concepts"`
	// Queries name source/<table>/<query> templates. All of them run when empty.
	Queries []string `yaml:"queries"`
	// AutoNumber replaces source primary keys with generated integers.
	AutoNumber bool `yaml:"auto_number"`
	// ForeignKeys maps a column to the auto numbered table whose generated
	// keys it references.
	ForeignKeys map[string]string `yaml:"foreign_keys"`
}

// ConceptSpec binds Usagi exports and custom concept files to one concept
// id column.
type ConceptSpec struct {
	Column             string   `yaml:"column"`
	Usagi              []string `yaml:"usagi"`
	Custom             []string `yaml:"custom"`
	SourceVocabularyID string   `yaml:"source_vocabulary_id"`
}

// VocabularyID returns the source vocabulary used for c's rows. Without an
// explicit one every column gets its own, so columns never share mappings by
// accident.
func (t TableSpec) VocabularyID(c ConceptSpec) string {
	if c.SourceVocabularyID != "" {
		return c.SourceVocabularyID
	}
	if t.SourceVocabularyID != "" {
		return t.SourceVocabularyID
	}
	return t.Name + "__" + c.Column
}

// ForeignKeyColumns lists the swapped foreign key columns of t, sorted.
func (t TableSpec) ForeignKeyColumns() []string {
	cols := make([]string, 0, len(t.ForeignKeys))
	for c := range t.ForeignKeys {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// ConceptColumns lists the mapped concept columns of t.
func (t TableSpec) ConceptColumns() []string {
	out := make([]string, len(t.Concepts))
	for i, c := range t.Concepts {
		out[i] = c.Column
	}
	return out
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.BaseDir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes and validates manifest YAML. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names and dependencies.
func (m *Manifest) Validate() error {
	if len(m.Tables) == 0 {
		return fmt.Errorf("manifest has no tables")
	}

	seen := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if err := sqlutil.ValidateIdentifier(t.Name); err != nil {
			return fmt.Errorf("table %q: %w", t.Name, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %q listed twice", t.Name)
		}
		seen[t.Name] = true

		if t.PrimaryKey != "" {
			if err := sqlutil.ValidateIdentifier(t.PrimaryKey); err != nil {
				return fmt.Errorf("table %s primary_key: %w", t.Name, err)
			}
		}
		for _, c := range t.Columns {
			if err := sqlutil.ValidateIdentifier(c); err != nil {
				return fmt.Errorf("table %s column %q: %w", t.Name, c, err)
			}
		}
		for _, q := range t.Queries {
			if err := sqlutil.ValidateIdentifier(q); err != nil {
				return fmt.Errorf("table %s query %q: %w", t.Name, q, err)
			}
		}
		columns := make(map[string]bool, len(t.Concepts))
		for _, c := range t.Concepts {
			if err := sqlutil.ValidateIdentifier(c.Column); err != nil {
				return fmt.Errorf("table %s concept column %q: %w", t.Name, c.Column, err)
			}
			if columns[c.Column] {
				return fmt.Errorf("table %s concept column %s listed twice", t.Name, c.Column)
			}
			columns[c.Column] = true
			if len(t.Columns) > 0 && !slices.Contains(t.Columns, c.Column) {
				return fmt.Errorf("table %s concept column %s is not one of its columns", t.Name, c.Column)
			}
		}
		for _, c := range t.ForeignKeyColumns() {
			if err := sqlutil.ValidateIdentifier(c); err != nil {
				return fmt.Errorf("table %s foreign key %q: %w", t.Name, c, err)
			}
			if columns[c] || c == t.PrimaryKey {
				return fmt.Errorf("table %s foreign key %s is also a concept or primary key column", t.Name, c)
			}
		}
	}

	byName := make(map[string]TableSpec, len(m.Tables))
	for _, t := range m.Tables {
		byName[t.Name] = t
	}
	for _, t := range m.Tables {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("table %s depends on unknown table %q", t.Name, dep)
			}
			if dep == t.Name {
				return fmt.Errorf("table %s depends on itself", t.Name)
			}
		}
		for _, c := range t.ForeignKeyColumns() {
			ref := t.ForeignKeys[c]
			target, ok := byName[ref]
			if !ok {
				return fmt.Errorf("table %s foreign key %s references unknown table %q", t.Name, c, ref)
			}
			if !target.AutoNumber {
				return fmt.Errorf("table %s foreign key %s references %s, which is not auto numbered", t.Name, c, ref)
			}
			if ref != t.Name && !slices.Contains(t.DependsOn, ref) {
				return fmt.Errorf("table %s foreign key %s references %s, which must be in depends_on", t.Name, c, ref)
			}
		}
	}
	_, err := m.Levels()
	return err
}

// Table returns the table named name.
func (m *Manifest) Table(name string) (TableSpec, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// Levels groups tables so that every table comes after all of its
// dependencies. Tables within a level are sorted by name.
func (m *Manifest) Levels() ([][]TableSpec, error) {
	byName := make(map[string]TableSpec, len(m.Tables))
	indegree := make(map[string]int, len(m.Tables))
	dependents := make(map[string][]string)
	for _, t := range m.Tables {
		byName[t.Name] = t
		indegree[t.Name] += 0
		for _, dep := range t.DependsOn {
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	var levels [][]TableSpec
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := make([]TableSpec, 0, len(ready))
		var next []string
		for _, name := range ready {
			level = append(level, byName[name])
			placed++
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		levels = append(levels, level)
		ready = next
	}

	if placed != len(m.Tables) {
		var cyclic []string
		for name, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle between tables: %v", cyclic)
	}
	return levels, nil
}

// UsagiFiles expands the usagi globs of c relative to BaseDir, sorted and
// without duplicates.
func (m *Manifest) UsagiFiles(c ConceptSpec) ([]string, error) {
	return m.expand("usagi", c.Usagi)
}

// CustomConceptFiles expands the custom concept globs of c the same way.
func (m *Manifest) CustomConceptFiles(c ConceptSpec) ([]string, error) {
	return m.expand("custom", c.Custom)
}

func (m *Manifest) expand(kind string, patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) && m.BaseDir != "" {
			pattern = filepath.Join(m.BaseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %q: %w", kind, pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return slices.Compact(files), nil
}
