package ingest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapetail/tapetail/internal/schema"
	"github.com/tapetail/tapetail/pkg/models"
)

func tradeSchema() *schema.ColumnSchema {
	return &schema.ColumnSchema{
		Columns: []schema.Column{
			{Source: "symbol", Name: "symbol", Type: schema.TypeString},
			{Source: "price", Name: "price", Type: schema.TypeFloat64},
			{Source: "qty", Name: "quantity", Type: schema.TypeInt32},
			{Source: "aggressor", Name: "aggressor", Type: schema.TypeBool},
			{Source: "seq", Name: "sequence", Type: schema.TypeBigInt},
		},
	}
}

func TestMapper_Map(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	rec := m.Map(RawRow{
		"symbol":    "AAPL",
		"price":     "187.25",
		"qty":       "300",
		"aggressor": "true",
		"seq":       "9.000001e6",
	})

	if rec["symbol"] != "AAPL" {
		t.Errorf("symbol = %v, want AAPL", rec["symbol"])
	}
	if rec["price"] != float64(187.25) {
		t.Errorf("price = %v, want 187.25", rec["price"])
	}
	if rec["quantity"] != int32(300) {
		t.Errorf("quantity = %v (%T), want int32 300", rec["quantity"], rec["quantity"])
	}
	if rec["aggressor"] != true {
		t.Errorf("aggressor = %v, want true", rec["aggressor"])
	}
	if rec["sequence"] != "9000001" {
		t.Errorf("sequence = %v, want %q", rec["sequence"], "9000001")
	}
}

func TestMapper_AbsentAndEmptyBecomeNull(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	// price empty, qty absent entirely
	rec := m.Map(RawRow{
		"symbol":    "MSFT",
		"price":     "",
		"aggressor": "false",
		"seq":       "1",
	})

	if v, ok := rec["price"]; !ok || v != nil {
		t.Errorf("price = %v (present=%v), want explicit null", v, ok)
	}
	if v, ok := rec["quantity"]; !ok || v != nil {
		t.Errorf("quantity = %v (present=%v), want explicit null", v, ok)
	}
	if v, ok := rec["symbol"]; !ok || v != "MSFT" {
		t.Errorf("symbol = %v, want MSFT", v)
	}
}

func TestMapper_EmptyStringFieldIsNullByDefault(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	rec := m.Map(RawRow{"symbol": ""})
	if rec["symbol"] != nil {
		t.Errorf("symbol = %v, want nil", rec["symbol"])
	}
}

func TestMapper_KeepEmptyStrings(t *testing.T) {
	s := tradeSchema()
	s.KeepEmptyStrings = true
	m := NewMapper(s, zerolog.Nop())

	rec := m.Map(RawRow{"symbol": "", "price": ""})

	if rec["symbol"] != "" {
		t.Errorf("present empty symbol = %v, want empty string", rec["symbol"])
	}
	// Only string columns keep empties; numeric stays null.
	if rec["price"] != nil {
		t.Errorf("price = %v, want nil", rec["price"])
	}
	// Absent sources stay null even with the option on.
	if rec["sequence"] != nil {
		t.Errorf("sequence = %v, want nil", rec["sequence"])
	}
}

func TestMapper_CoercionFailureYieldsNull(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	rec := m.Map(RawRow{
		"symbol": "TSLA",
		"qty":    "lots", // not an int32
	})

	if v, ok := rec["quantity"]; !ok || v != nil {
		t.Errorf("quantity = %v (present=%v), want explicit null", v, ok)
	}
	if rec["symbol"] != "TSLA" {
		t.Errorf("symbol = %v, want TSLA", rec["symbol"])
	}
}

func TestMapper_StampsUUID(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	first := m.Map(RawRow{"symbol": "AAPL"})
	second := m.Map(RawRow{"symbol": "AAPL"})

	id1, ok := first[models.UUIDField].(string)
	if !ok || id1 == "" {
		t.Fatalf("record missing %s: %v", models.UUIDField, first[models.UUIDField])
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("%s = %q is not a valid UUID: %v", models.UUIDField, id1, err)
	}

	id2, _ := second[models.UUIDField].(string)
	if id1 == id2 {
		t.Error("consecutive records share a UUID")
	}
}

func TestMapper_SanitizesInvalidUTF8(t *testing.T) {
	m := NewMapper(tradeSchema(), zerolog.Nop())

	rec := m.Map(RawRow{"symbol": "caf\xe9"})
	if rec["symbol"] != "caf�" {
		t.Errorf("symbol = %q, want %q", rec["symbol"], "caf�")
	}
}
