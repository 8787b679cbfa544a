// Package schema defines the column schemas that map delimited feed
// columns to typed output fields, and the coercion rules that turn raw
// string values into those types.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tapetail/tapetail/pkg/models"
)

// ValueType identifies a target type for a schema column.
type ValueType string

const (
	TypeInt32   ValueType = "int32"
	TypeFloat64 ValueType = "float64"
	TypeBool    ValueType = "bool"
	TypeBigInt  ValueType = "bigint"
	TypeString  ValueType = "string"
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	switch t {
	case TypeInt32, TypeFloat64, TypeBool, TypeBigInt, TypeString:
		return true
	}
	return false
}

// Column binds one source column of the feed to one typed output field.
type Column struct {
	Source string    `yaml:"source"`
	Name   string    `yaml:"name"`
	Type   ValueType `yaml:"type"`
}

// ColumnSchema is the ordered column list for one agent. Order matters:
// it is the positional layout the row parser expects in the feed file.
type ColumnSchema struct {
	Columns []Column `yaml:"columns"`

	// KeepEmptyStrings maps empty string-typed fields to "" instead of
	// null. Off by default: empty input means null for every type.
	KeepEmptyStrings bool `yaml:"keep_empty_strings"`
}

// SourceNames returns the ordered source column names.
func (s *ColumnSchema) SourceNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Source
	}
	return names
}

// Validate checks the schema for problems that should fail startup.
func (s *ColumnSchema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}

	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Source == "" {
			return fmt.Errorf("column %d: empty source name", i)
		}
		if c.Name == "" {
			return fmt.Errorf("column %d (%s): empty output name", i, c.Source)
		}
		if c.Name == models.UUIDField {
			return fmt.Errorf("column %d (%s): output name %q is reserved", i, c.Source, models.UUIDField)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("column %d (%s): unknown type %q", i, c.Source, c.Type)
		}
		if seen[c.Name] {
			return fmt.Errorf("column %d (%s): duplicate output name %q", i, c.Source, c.Name)
		}
		seen[c.Name] = true
	}

	return nil
}

// Parse decodes a YAML schema document. The document is either a bare
// column list or a mapping with a "columns" key and options.
func Parse(data []byte) (*ColumnSchema, error) {
	// Bare list form first: the common case in agent files.
	var cols []Column
	if err := yaml.Unmarshal(data, &cols); err == nil && len(cols) > 0 {
		s := &ColumnSchema{Columns: cols}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var s ColumnSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses a YAML schema document from disk.
func LoadFile(path string) (*ColumnSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return s, nil
}
