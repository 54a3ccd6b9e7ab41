// Package transform converts between nested records and flat tabular rows.
//
// Normalize flattens nested maps into separator-joined column names:
//
//	{"name":"John","address":{"city":"NYC"}}  →  {"name":"John","address.city":"NYC"}
//
// Arrays, whether of scalars or of records, are never exploded. Each array is
// kept as one column holding its compact JSON text, and so is an empty map
// ("{}") and any map nested deeper than MaxDepth. Denormalize reverses the
// mapping and, with DecodeJSON set, parses those JSON texts back into values.
//
// Both directions are pure functions of their input and safe to run on
// different batches concurrently.
package transform

import (
	"reflect"
	"sort"
	"strings"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/json"
	"github.com/ajitpratap0/docflow/pkg/models"
)

// DefaultSeparator joins nested keys.
const DefaultSeparator = "."

// Options controls flattening and unflattening.
type Options struct {
	// Separator joins path segments; empty means DefaultSeparator
	Separator string
	// MaxDepth is the number of nested levels flattened; 0 means unlimited
	MaxDepth int
	// DecodeJSON makes Denormalize parse string leaves holding JSON arrays or
	// objects. Any such leaf is decoded, including one written as plain text.
	DecodeJSON bool
}

func (o Options) sep() string {
	if o.Separator == "" {
		return DefaultSeparator
	}
	return o.Separator
}

// Normalize flattens every record of b. Records are not modified.
func Normalize(b models.Batch, opts Options) ([]models.FlatRow, error) {
	rows := make([]models.FlatRow, len(b))
	for i, r := range b {
		row, err := NormalizeRecord(r, opts)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "failed to normalize record").
				WithDetail(errors.DetailOffset, i)
		}
		rows[i] = row
	}
	return rows, nil
}

// NormalizeRecord flattens one record.
func NormalizeRecord(r models.Record, opts Options) (models.FlatRow, error) {
	out := make(models.FlatRow, len(r))
	if err := flatten(out, "", r, 0, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(out models.FlatRow, prefix string, m map[string]interface{}, depth int, opts Options) error {
	// sorted so a collision is always reported against the same pair of keys
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		key := k
		if prefix != "" {
			key = prefix + opts.sep() + k
		}

		if child, ok := asMap(v); ok && len(child) > 0 && (opts.MaxDepth == 0 || depth < opts.MaxDepth) {
			if err := flatten(out, key, child, depth+1, opts); err != nil {
				return err
			}
			continue
		}

		leaf, err := leafValue(v)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode nested value").
				WithDetail(errors.DetailColumn, key)
		}
		if _, dup := out[key]; dup {
			return errors.New(errors.ErrorTypeSchemaConflict, "two fields flatten to the same column").
				WithDetail(errors.DetailColumn, key)
		}
		out[key] = leaf
	}
	return nil
}

// leafValue returns v unchanged for scalars and its JSON text for maps and arrays.
func leafValue(v interface{}) (interface{}, error) {
	if _, ok := asMap(v); ok {
		return json.MarshalString(v)
	}
	if isArray(v) {
		return json.MarshalString(v)
	}
	return v, nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func isArray(v interface{}) bool {
	switch v.(type) {
	case nil, []byte, string:
		return false
	case []interface{}:
		return true
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// Denormalize rebuilds nested records from flat rows. A key that is both a
// leaf and a prefix of another key in the same row (for example "a" and
// "a.b") is a SchemaConflict.
func Denormalize(rows []models.FlatRow, opts Options) (models.Batch, error) {
	out := make(models.Batch, len(rows))
	for i, row := range rows {
		r, err := DenormalizeRow(row, opts)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "failed to denormalize row").
				WithDetail(errors.DetailOffset, i)
		}
		out[i] = r
	}
	return out, nil
}

// DenormalizeRow rebuilds one nested record.
func DenormalizeRow(row models.FlatRow, opts Options) (models.Record, error) {
	sep := opts.sep()
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(models.Record, len(row))
	leaves := make(map[string]string, len(row))
	nodes := make(map[string]string)

	for _, key := range keys {
		parts := strings.Split(key, sep)
		node := out
		for i, part := range parts[:len(parts)-1] {
			path := strings.Join(parts[:i+1], sep)
			if leaf, ok := leaves[path]; ok {
				return nil, conflict(leaf, key)
			}
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[part] = child
				nodes[path] = key
			}
			node = child
		}

		if other, ok := nodes[key]; ok {
			return nil, conflict(key, other)
		}
		leaves[key] = key
		node[parts[len(parts)-1]] = decodeLeaf(row[key], opts)
	}
	return out, nil
}

func conflict(leaf, nested string) error {
	return errors.New(errors.ErrorTypeSchemaConflict, "key is both a value and a parent of another key").
		WithDetail(errors.DetailColumn, leaf).
		WithDetail("nested_column", nested)
}

func decodeLeaf(v interface{}, opts Options) interface{} {
	if !opts.DecodeJSON {
		return v
	}
	s, ok := v.(string)
	if !ok || len(s) < 2 {
		return v
	}
	first, last := s[0], s[len(s)-1]
	if !(first == '[' && last == ']') && !(first == '{' && last == '}') {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return v
	}
	return decoded
}
