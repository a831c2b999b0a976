package store

import "encoding/json"

// Rows is a forward-only cursor over analytics query results. Columns are
// accessed by name; absent or null columns read as zero values. Nested
// array and map columns decode leniently: malformed or empty nested values
// read as empty, never as an error.
type Rows struct {
	rows []map[string]any
	i    int
}

// NewRows wraps decoded result rows in a cursor. Used by the ClickHouse
// client and by test fakes.
func NewRows(rows []map[string]any) *Rows {
	return &Rows{rows: rows, i: -1}
}

// Next advances the cursor. Returns false when no rows remain.
func (r *Rows) Next() bool {
	if r.i+1 >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

// Len returns the total number of rows.
func (r *Rows) Len() int { return len(r.rows) }

func (r *Rows) current() map[string]any {
	if r.i < 0 || r.i >= len(r.rows) {
		return nil
	}
	return r.rows[r.i]
}

// Value returns the raw column value, or nil when absent/null.
func (r *Rows) Value(col string) any {
	return r.current()[col]
}

// String returns the column as a string, or "" when absent or not a string.
func (r *Rows) String(col string) string {
	s, _ := r.current()[col].(string)
	return s
}

// Bool returns the column as a bool; absent or non-bool reads false.
func (r *Rows) Bool(col string) bool {
	b, _ := r.current()[col].(bool)
	return b
}

// Float returns the column as a float64; absent or non-numeric reads 0.
func (r *Rows) Float(col string) float64 {
	switch v := r.current()[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// Strings returns the column as a string slice. Non-string elements are
// skipped; absent, null, or malformed columns read as empty.
func (r *Rows) Strings(col string) []string {
	arr, ok := r.current()[col].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns the column as a string-keyed map; absent or malformed
// columns read as empty.
func (r *Rows) Map(col string) map[string]any {
	m, _ := r.current()[col].(map[string]any)
	return m
}

// Doc decodes a JSON-document column into a map. Absent, empty, or
// malformed documents read as nil.
func (r *Rows) Doc(col string) map[string]any {
	s := r.String(col)
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
