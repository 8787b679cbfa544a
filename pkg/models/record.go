package models

// UUIDField is the reserved output field carrying the per-record UUID.
// Schema columns must not use this name.
const UUIDField = "_uuid"

// OutputRecord is a single typed event produced from one feed line.
// Keys are the schema's output column names plus UUIDField; values are
// int32, float64, bool, string, or nil for fields that were empty or
// failed coercion. Bigint columns carry their canonical decimal string.
type OutputRecord map[string]interface{}

// Clone returns a shallow copy of the record.
func (r OutputRecord) Clone() OutputRecord {
	out := make(OutputRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
