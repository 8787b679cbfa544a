package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tapetail/tapetail/internal/schema"
)

// AgentDef describes one feed agent from the agents file: which file to
// follow, how to parse its rows and where to publish the records.
type AgentDef struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"` // Plain path or template like "trades-{2006-01-02}.csv"
	Topic      string `yaml:"topic"`
	Delimiter  string `yaml:"delimiter"` // Single character, comma when unset
	Strict     bool   `yaml:"strict"`
	SkipHeader bool   `yaml:"skip_header"`
	TrimSpace  bool   `yaml:"trim_space"`

	StripTrailingDelimiters bool `yaml:"strip_trailing_delimiters"`

	// Inline column list, or a reference to a standalone schema file.
	Columns          []schema.Column `yaml:"columns"`
	KeepEmptyStrings bool            `yaml:"keep_empty_strings"`
	SchemaFile       string          `yaml:"schema_file"`

	// Per-agent overrides of the publish defaults. Zero values fall back
	// to the publish section of the main config.
	BatchSize   int    `yaml:"batch_size"`
	Encoding    string `yaml:"encoding"`
	Compression string `yaml:"compression"`
}

// DelimiterByte returns the field delimiter, comma when unset.
func (a *AgentDef) DelimiterByte() byte {
	if a.Delimiter == "" {
		return ','
	}
	return a.Delimiter[0]
}

// ColumnSchema resolves the agent's schema from the inline column list
// or the referenced schema file. Relative schema_file paths resolve
// against baseDir, the directory of the agents file.
func (a *AgentDef) ColumnSchema(baseDir string) (*schema.ColumnSchema, error) {
	if len(a.Columns) > 0 && a.SchemaFile != "" {
		return nil, fmt.Errorf("agent %s: columns and schema_file are mutually exclusive", a.Name)
	}

	if len(a.Columns) > 0 {
		s := &schema.ColumnSchema{Columns: a.Columns, KeepEmptyStrings: a.KeepEmptyStrings}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Name, err)
		}
		return s, nil
	}

	if a.SchemaFile == "" {
		return nil, fmt.Errorf("agent %s: no columns or schema_file", a.Name)
	}

	path := a.SchemaFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	s, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.Name, err)
	}
	if a.KeepEmptyStrings {
		s.KeepEmptyStrings = true
	}
	return s, nil
}

// agentsFile is the on-disk document shape: a top-level agents list
type agentsFile struct {
	Agents []AgentDef `yaml:"agents"`
}

// LoadAgents reads the agents file and validates each definition. The
// document is either a mapping with an "agents" key or a bare list.
func LoadAgents(path string) ([]AgentDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var doc agentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Agents) == 0 {
		// Fall back to the bare list form
		var list []AgentDef
		listErr := yaml.Unmarshal(data, &list)
		if listErr != nil && err != nil {
			return nil, fmt.Errorf("failed to parse agents file: %w", err)
		}
		doc.Agents = list
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}

	seen := make(map[string]bool, len(doc.Agents))
	for i := range doc.Agents {
		a := &doc.Agents[i]
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d: empty name", i)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("agent %s: duplicate name", a.Name)
		}
		seen[a.Name] = true
		if a.Path == "" {
			return nil, fmt.Errorf("agent %s: empty path", a.Name)
		}
		if len(a.Delimiter) > 1 {
			return nil, fmt.Errorf("agent %s: delimiter must be a single character, got %q", a.Name, a.Delimiter)
		}
	}

	return doc.Agents, nil
}
