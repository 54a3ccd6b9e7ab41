// Package models provides the record types that flow through docflow pipelines.
package models

import "sort"

// Record is one document: field name to value. Values are nested Records
// (or map[string]interface{}), []interface{} arrays, or scalars: string,
// int64, float64, bool, nil, []byte, time.Time.
type Record = map[string]interface{}

// FlatRow is a Record whose keys are separator-joined paths and whose values
// are scalars. It shares Record's representation; the name documents intent.
type FlatRow = Record

// Batch is an ordered group of records, at most one chunk long.
type Batch []Record

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b) }

// Keys returns the union of top-level keys across the batch in lexicographic order.
func (b Batch) Keys() []string {
	seen := make(map[string]struct{})
	for _, r := range b {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IDField is the document database's primary key field.
const IDField = "_id"

// StripID removes the top-level _id field from every record in place.
func StripID(b Batch) {
	for _, r := range b {
		delete(r, IDField)
	}
}
