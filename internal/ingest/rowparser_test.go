package ingest

import (
	"errors"
	"testing"
)

func TestRowParser_Basic(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"symbol", "price", "qty", "side"},
	})

	row, err := p.Parse([]byte("AAPL,187.25,300,B"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := RawRow{"symbol": "AAPL", "price": "187.25", "qty": "300", "side": "B"}
	if len(row) != len(want) {
		t.Fatalf("got %d fields, want %d", len(row), len(want))
	}
	for k, v := range want {
		if row[k] != v {
			t.Errorf("row[%q] = %q, want %q", k, row[k], v)
		}
	}
}

func TestRowParser_Delimiters(t *testing.T) {
	tests := []struct {
		name      string
		delimiter byte
		line      string
	}{
		{"comma default", 0, "a,b,c"},
		{"pipe", '|', "a|b|c"},
		{"semicolon", ';', "a;b;c"},
		{"tab", '\t', "a\tb\tc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewRowParser(RowParserConfig{
				Columns:   []string{"x", "y", "z"},
				Delimiter: tt.delimiter,
			})
			row, err := p.Parse([]byte(tt.line))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if row["x"] != "a" || row["y"] != "b" || row["z"] != "c" {
				t.Errorf("got %v, want a b c", row)
			}
		})
	}
}

func TestRowParser_StrictMismatch(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"a", "b", "c", "d"},
		Strict:  true,
	})

	tests := []struct {
		line string
		got  int
	}{
		{"1,2", 2},
		{"1,2,3,4,5", 5},
		{"", 1},
	}

	for _, tt := range tests {
		_, err := p.Parse([]byte(tt.line))
		var shapeErr *RowShapeError
		if !errors.As(err, &shapeErr) {
			t.Fatalf("Parse(%q) err = %v, want RowShapeError", tt.line, err)
		}
		if shapeErr.Expected != 4 || shapeErr.Got != tt.got {
			t.Errorf("Parse(%q): Expected=%d Got=%d, want Expected=4 Got=%d",
				tt.line, shapeErr.Expected, shapeErr.Got, tt.got)
		}
	}

	// Matching count passes.
	if _, err := p.Parse([]byte("1,2,3,4")); err != nil {
		t.Errorf("Parse with matching count failed: %v", err)
	}
}

func TestRowParser_LenientShortRow(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"symbol", "price", "qty", "side"},
	})

	row, err := p.Parse([]byte("AAPL,187.25"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if row["symbol"] != "AAPL" || row["price"] != "187.25" {
		t.Errorf("got %v", row)
	}
	if _, ok := row["qty"]; ok {
		t.Error("qty should be absent for a short row")
	}
	if _, ok := row["side"]; ok {
		t.Error("side should be absent for a short row")
	}
}

func TestRowParser_LenientExtraFields(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"a", "b"},
	})

	row, err := p.Parse([]byte("1,2,3,4"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(row) != 2 || row["a"] != "1" || row["b"] != "2" {
		t.Errorf("got %v, want only a=1 b=2", row)
	}
}

func TestRowParser_EmptyFields(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"a", "b", "c"},
	})

	row, err := p.Parse([]byte("1,,3"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	v, ok := row["b"]
	if !ok || v != "" {
		t.Errorf("row[b] = %q (present=%v), want empty string present", v, ok)
	}

	// A trailing delimiter means an empty final field, not a missing one.
	row, err = p.Parse([]byte("1,2,"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if v, ok := row["c"]; !ok || v != "" {
		t.Errorf("row[c] = %q (present=%v), want empty string present", v, ok)
	}
}

func TestRowParser_TrimSpace(t *testing.T) {
	line := []byte(" AAPL , 187.25 ")

	p := NewRowParser(RowParserConfig{
		Columns:   []string{"symbol", "price"},
		TrimSpace: true,
	})
	row, err := p.Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if row["symbol"] != "AAPL" || row["price"] != "187.25" {
		t.Errorf("trimmed: got %v", row)
	}

	p = NewRowParser(RowParserConfig{
		Columns: []string{"symbol", "price"},
	})
	row, err = p.Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if row["symbol"] != " AAPL " || row["price"] != " 187.25 " {
		t.Errorf("untrimmed: got %v", row)
	}
}

func TestRowParser_CarriageReturn(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns: []string{"a", "b"},
		Strict:  true,
	})

	row, err := p.Parse([]byte("1,2\r"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if row["b"] != "2" {
		t.Errorf("row[b] = %q, want %q", row["b"], "2")
	}
}

func TestRowParser_StripTrailingDelimiters(t *testing.T) {
	p := NewRowParser(RowParserConfig{
		Columns:                 []string{"a", "b"},
		Strict:                  true,
		StripTrailingDelimiters: true,
	})

	row, err := p.Parse([]byte("1,2,,,"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if row["a"] != "1" || row["b"] != "2" {
		t.Errorf("got %v", row)
	}

	// Without stripping the padded row fails the strict count.
	p = NewRowParser(RowParserConfig{
		Columns: []string{"a", "b"},
		Strict:  true,
	})
	if _, err := p.Parse([]byte("1,2,,,")); err == nil {
		t.Error("expected shape error for padded row without stripping")
	}
}

func TestRowParser_Columns(t *testing.T) {
	cols := []string{"ts", "symbol", "price"}
	p := NewRowParser(RowParserConfig{Columns: cols})

	got := p.Columns()
	if len(got) != 3 || got[0] != "ts" || got[1] != "symbol" || got[2] != "price" {
		t.Errorf("Columns() = %v, want %v", got, cols)
	}
}
