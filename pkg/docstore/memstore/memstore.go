// Package memstore is an in-memory docstore.Store. Filters support equality
// on top-level fields; pipelines support $match, $skip and $limit stages.
package memstore

import (
	"context"
	"io"
	"reflect"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// InsertHook can fail a BulkInsert. It returns how many records of b to
// store before the returned error.
type InsertHook func(collection string, b models.Batch) (int, error)

// Store keeps collections in memory.
type Store struct {
	mu          sync.RWMutex
	database    string
	collections map[string][]models.Record
	hook        InsertHook
	inserts     map[string]int
}

var _ docstore.Store = (*Store)(nil)

// New creates an empty store named database.
func New(database string) *Store {
	return &Store{
		database:    database,
		collections: make(map[string][]models.Record),
		inserts:     make(map[string]int),
	}
}

// SetInsertHook installs h for subsequent inserts.
func (s *Store) SetInsertHook(h InsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Seed replaces the contents of collection.
func (s *Store) Seed(collection string, records ...models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = nil
	s.appendLocked(collection, records)
}

// Records returns a copy of the records of collection in insertion order.
func (s *Store) Records(collection string) []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, len(s.collections[collection]))
	for i, r := range s.collections[collection] {
		out[i] = copyRecord(r)
	}
	return out
}

// InsertCalls returns how many BulkInsert calls collection received.
func (s *Store) InsertCalls(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts[collection]
}

func (s *Store) appendLocked(collection string, records []models.Record) {
	for _, r := range records {
		c := copyRecord(r)
		if _, ok := c[models.IDField]; !ok {
			c[models.IDField] = uuid.NewString()
		}
		s.collections[collection] = append(s.collections[collection], c)
	}
}

// Query streams the matching records of collection.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) (stream.RecordStream, error) {
	s.mu.RLock()
	records := make([]models.Record, 0, len(s.collections[collection]))
	for _, r := range s.collections[collection] {
		records = append(records, copyRecord(r))
	}
	s.mu.RUnlock()

	var err error
	if q.IsAggregate() {
		records, err = aggregate(records, q.Pipeline)
	} else {
		records = match(records, q.Filter)
	}
	if err != nil {
		return nil, err
	}
	if q.ExcludeID && !q.IsAggregate() {
		models.StripID(records)
	}

	i := 0
	return stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(records) {
			return nil, io.EOF
		}
		i++
		return records[i-1], nil
	}, nil), nil
}

// CountRecords counts the records of collection matching filter.
func (s *Store) CountRecords(ctx context.Context, collection string, filter bson.D) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(match(s.collections[collection], filter))), nil
}

// ListCollections returns the sorted collection names matching pattern.
func (s *Store) ListCollections(ctx context.Context, pattern string) ([]string, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.collections {
		if re == nil || re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// BulkInsert appends b to collection.
func (s *Store) BulkInsert(ctx context.Context, collection string, b models.Batch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCanceled, "insert canceled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts[collection]++

	n, err := len(b), error(nil)
	if s.hook != nil {
		n, err = s.hook(collection, b)
	}
	s.appendLocked(collection, b[:n])
	return n, err
}

// Clear removes every record of collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; ok {
		s.collections[collection] = nil
	}
	return nil
}

// ListDatabases returns the store's only database.
func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{s.database}, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Database returns the database name.
func (s *Store) Database() string { return s.database }

// Close is a no-op.
func (s *Store) Close(ctx context.Context) error { return nil }

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "invalid collection pattern").
			WithDetail("pattern", pattern)
	}
	return re, nil
}

func aggregate(records []models.Record, pipeline []bson.D) ([]models.Record, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "pipeline stage must have exactly one operator")
		}
		op := stage[0]
		switch op.Key {
		case "$match":
			filter, ok := op.Value.(bson.D)
			if !ok {
				return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "$match needs a document")
			}
			records = match(records, filter)
		case "$skip", "$limit":
			n, ok := toFloat(op.Value)
			if !ok || n < 0 {
				return nil, errors.Newf(errors.ErrorTypeInvalidConfiguration, "%s needs a non-negative number", op.Key)
			}
			k := int(n)
			if k > len(records) {
				k = len(records)
			}
			if op.Key == "$skip" {
				records = records[k:]
			} else {
				records = records[:k]
			}
		default:
			return nil, errors.Newf(errors.ErrorTypeInvalidConfiguration, "stage %s is not supported in memory", op.Key)
		}
	}
	return records, nil
}

func match(records []models.Record, filter bson.D) []models.Record {
	if len(filter) == 0 {
		return records
	}
	var out []models.Record
	for _, r := range records {
		ok := true
		for _, e := range filter {
			if !equal(r[e.Key], e.Value) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// equal compares numbers by value so int32 filter literals match int64 fields.
func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func copyRecord(r models.Record) models.Record {
	c := make(models.Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
