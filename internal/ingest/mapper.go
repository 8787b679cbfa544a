package ingest

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapetail/tapetail/internal/metrics"
	"github.com/tapetail/tapetail/internal/schema"
	"github.com/tapetail/tapetail/pkg/models"
)

// Mapper converts parsed raw rows into typed output records using a
// column schema.
type Mapper struct {
	schema *schema.ColumnSchema
	logger zerolog.Logger
}

// NewMapper creates a mapper for the given schema.
func NewMapper(s *schema.ColumnSchema, logger zerolog.Logger) *Mapper {
	return &Mapper{
		schema: s,
		logger: logger.With().Str("component", "mapper").Logger(),
	}
}

// Map coerces every schema column from the row and stamps the record
// with a fresh UUID. Absent sources and failed coercions become null
// fields; a short row yields trailing nulls, never an error.
func (m *Mapper) Map(row RawRow) models.OutputRecord {
	rec := make(models.OutputRecord, len(m.schema.Columns)+1)

	for _, col := range m.schema.Columns {
		raw, present := row[col.Source]

		if raw == "" && present && col.Type == schema.TypeString && m.schema.KeepEmptyStrings {
			rec[col.Name] = ""
			continue
		}

		v, err := schema.Coerce(raw, col.Type)
		if err != nil {
			metrics.Get().IncCoercionFailures()
			m.logger.Debug().
				Err(err).
				Str("column", col.Name).
				Msg("Coercion failed, field set to null")
			v = nil
		}
		if s, ok := v.(string); ok && col.Type == schema.TypeString {
			if sanitized, modified := SanitizeUTF8(s); modified {
				m.logger.Debug().
					Str("column", col.Name).
					Msg("Replaced invalid UTF-8 in string field")
				v = sanitized
			}
		}
		rec[col.Name] = v
	}

	rec[models.UUIDField] = uuid.NewString()
	metrics.Get().IncRecordsMapped()
	return rec
}
