package ingest

import (
	"bytes"
	"fmt"
	"strings"
)

// RawRow maps source column names to unparsed field values.
type RawRow map[string]string

// RowShapeError reports a line whose field count does not match the
// schema in strict mode. The line is dropped; the offset still advances.
type RowShapeError struct {
	Expected int
	Got      int
}

func (e *RowShapeError) Error() string {
	return fmt.Sprintf("row has %d fields, expected %d", e.Got, e.Expected)
}

// RowParserConfig configures a RowParser.
type RowParserConfig struct {
	Columns   []string // ordered source column names
	Delimiter byte     // field delimiter, ',' when zero
	Strict    bool     // reject rows whose field count differs from Columns
	TrimSpace bool     // trim surrounding spaces from every field

	// StripTrailingDelimiters removes a ragged run of delimiters at the
	// end of the line before splitting. Some venue feeds pad rows out
	// with empty trailing columns.
	StripTrailingDelimiters bool
}

// RowParser splits delimited feed lines into named raw fields. Values
// are taken verbatim between delimiters; the feeds carry no quoting.
type RowParser struct {
	cfg RowParserConfig
}

// NewRowParser creates a parser for the given column layout.
func NewRowParser(cfg RowParserConfig) *RowParser {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	return &RowParser{cfg: cfg}
}

// Parse splits one line into a RawRow. A trailing carriage return is
// always tolerated. In strict mode a field-count mismatch returns a
// *RowShapeError; in lenient mode extra fields are truncated and
// missing ones are left absent.
func (p *RowParser) Parse(line []byte) (RawRow, error) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if p.cfg.StripTrailingDelimiters {
		for len(line) > 0 && line[len(line)-1] == p.cfg.Delimiter {
			line = line[:len(line)-1]
		}
	}

	fields := bytes.Split(line, []byte{p.cfg.Delimiter})
	if p.cfg.Strict && len(fields) != len(p.cfg.Columns) {
		return nil, &RowShapeError{Expected: len(p.cfg.Columns), Got: len(fields)}
	}

	row := make(RawRow, len(p.cfg.Columns))
	for i, name := range p.cfg.Columns {
		if i >= len(fields) {
			break
		}
		v := string(fields[i])
		if p.cfg.TrimSpace {
			v = strings.TrimSpace(v)
		}
		row[name] = v
	}
	return row, nil
}

// Columns returns the configured source column names.
func (p *RowParser) Columns() []string {
	return p.cfg.Columns
}
