package models

import (
	"time"
)

// ColumnType is the physical type of a tabular column.
type ColumnType int

const (
	// ColumnNull means no non-null value has been observed yet
	ColumnNull ColumnType = iota
	ColumnBool
	ColumnInt
	ColumnFloat
	ColumnString
	ColumnTimestamp
	ColumnBinary
)

func (t ColumnType) String() string {
	switch t {
	case ColumnBool:
		return "boolean"
	case ColumnInt:
		return "long"
	case ColumnFloat:
		return "double"
	case ColumnString:
		return "string"
	case ColumnTimestamp:
		return "timestamp"
	case ColumnBinary:
		return "bytes"
	default:
		return "null"
	}
}

// Column describes one field of a tabular artifact.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the ordered column set fixed by the first batch written to a
// tabular artifact.
type Schema struct {
	Columns []Column
	index   map[string]int
}

// NewSchema builds a schema from ordered columns.
func NewSchema(columns []Column) *Schema {
	s := &Schema{Columns: columns, index: make(map[string]int, len(columns))}
	for i, c := range columns {
		s.index[c.Name] = i
	}
	return s
}

// InferSchema derives column names (sorted) and types from a batch. A column's
// type is the widest of its non-null values: int widens to float, anything
// mixed with a string or nested value becomes string.
func InferSchema(b Batch) *Schema {
	keys := b.Keys()
	columns := make([]Column, len(keys))
	for i, k := range keys {
		t := ColumnNull
		for _, r := range b {
			v, ok := r[k]
			if !ok || v == nil {
				continue
			}
			t = Widen(t, TypeOf(v))
		}
		if t == ColumnNull {
			t = ColumnString
		}
		columns[i] = Column{Name: k, Type: t}
	}
	return NewSchema(columns)
}

// Names returns column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the schema contains a column.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Missing returns the keys of b that are not columns of s, sorted.
func (s *Schema) Missing(b Batch) []string {
	var out []string
	for _, k := range b.Keys() {
		if !s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// TypeOf returns the column type a scalar value maps to.
func TypeOf(v interface{}) ColumnType {
	switch v.(type) {
	case nil:
		return ColumnNull
	case bool:
		return ColumnBool
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return ColumnInt
	case float32, float64:
		return ColumnFloat
	case time.Time:
		return ColumnTimestamp
	case []byte:
		return ColumnBinary
	default:
		return ColumnString
	}
}

// Widen returns the narrowest type able to hold values of both a and b.
func Widen(a, b ColumnType) ColumnType {
	switch {
	case a == b:
		return a
	case a == ColumnNull:
		return b
	case b == ColumnNull:
		return a
	case (a == ColumnInt && b == ColumnFloat) || (a == ColumnFloat && b == ColumnInt):
		return ColumnFloat
	default:
		return ColumnString
	}
}
