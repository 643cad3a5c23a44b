package lakebase

import (
	"bytes"
	"database/sql"
	"encoding/json"
)

// Row maps column names to values, in the column order of the result set.
type Row struct {
	columns []string
	values  []any
}

func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

func (r Row) Columns() []string { return r.columns }
func (r Row) Values() []any     { return r.values }
func (r Row) Len() int          { return len(r.columns) }

// Get returns the value of the first column called name.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Map copies the row into a map, losing column order.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

// MarshalJSON encodes the row as an object whose keys keep column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Kind tells which shape of Outcome a statement produced.
type Kind int

const (
	KindRows Kind = iota + 1
	KindAffected
)

func (k Kind) String() string {
	switch k {
	case KindRows:
		return "rows"
	case KindAffected:
		return "affected"
	default:
		return "unknown"
	}
}

// Outcome is the result of Execute: the rows of a read, or the affected count of a mutation.
type Outcome struct {
	Kind         Kind
	Rows         []Row
	RowsAffected int64
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// text-like values arrive as raw bytes from the driver
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result = append(result, NewRow(columns, values))
	}
	return result, rows.Err()
}
