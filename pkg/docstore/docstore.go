// Package docstore defines the document database collaborators the pipeline
// reads from and writes to, plus the query type shared by every backend.
//
// Backends live in subpackages: mongodb talks to a MongoDB deployment and
// memstore keeps collections in memory for tests.
package docstore

import (
	"context"
	"os"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Query selects the records of one collection. A non-empty Pipeline runs as
// an aggregation and Filter is ignored; otherwise Filter drives a find.
type Query struct {
	Filter   bson.D
	Pipeline []bson.D
	// ExcludeID drops the _id field of find results; pipelines shape
	// their own output
	ExcludeID bool
	// BatchSize hints the cursor batch size; 0 leaves the server default
	BatchSize int32
}

// IsAggregate reports whether q runs as an aggregation pipeline.
func (q Query) IsAggregate() bool { return len(q.Pipeline) > 0 }

// Source yields records from a document database.
type Source interface {
	Query(ctx context.Context, collection string, q Query) (stream.RecordStream, error)
	CountRecords(ctx context.Context, collection string, filter bson.D) (int64, error)
	// ListCollections returns collection names matching the regular
	// expression pattern, sorted. An empty pattern matches everything.
	ListCollections(ctx context.Context, pattern string) ([]string, error)
}

// Sink accepts records for a document database.
type Sink interface {
	// BulkInsert inserts b in order and returns how many records were
	// stored before any failure.
	BulkInsert(ctx context.Context, collection string, b models.Batch) (int, error)
	Clear(ctx context.Context, collection string) error
	CountRecords(ctx context.Context, collection string, filter bson.D) (int64, error)
}

// Store is a backend serving both directions plus the administrative calls
// the CLI exposes.
type Store interface {
	Source
	Sink
	ListDatabases(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Database() string
	Close(ctx context.Context) error
}

// ParseQuery reads a query given either as Extended JSON text or as the
// path of a file holding it. An object is a find filter, an array is an
// aggregation pipeline. Empty input selects every record.
func ParseQuery(input string) (Query, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return Query{}, nil
	}
	if text[0] != '{' && text[0] != '[' {
		data, err := os.ReadFile(text) //nolint:gosec // operator-supplied path
		if err != nil {
			if os.IsNotExist(err) {
				return Query{}, errors.Wrap(err, errors.ErrorTypeSourceNotFound, "query file does not exist").
					WithDetail(errors.DetailPath, text)
			}
			return Query{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to read query file").
				WithDetail(errors.DetailPath, text)
		}
		text = strings.TrimSpace(string(data))
		if text == "" {
			return Query{}, nil
		}
	}

	if text[0] == '[' {
		// Extended JSON only decodes documents at the top level.
		var wrapped struct {
			Pipeline []bson.D `bson:"pipeline"`
		}
		if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+text+`}`), false, &wrapped); err != nil {
			return Query{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "invalid aggregation pipeline")
		}
		return Query{Pipeline: wrapped.Pipeline}, nil
	}

	var filter bson.D
	if err := bson.UnmarshalExtJSON([]byte(text), false, &filter); err != nil {
		return Query{}, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "invalid query filter")
	}
	return Query{Filter: filter}, nil
}

// CollectionWriter writes batches to one collection with a single
// BulkInsert per batch. It satisfies formats.Writer so the pipeline drives
// files and collections the same way. Failures are not retried.
type CollectionWriter struct {
	sink       Sink
	collection string
	count      int64
	batches    int
}

// NewCollectionWriter creates a writer for collection.
func NewCollectionWriter(sink Sink, collection string) *CollectionWriter {
	return &CollectionWriter{sink: sink, collection: collection}
}

// WriteBatch inserts b. A failure carries the batch index and the offset of
// the first record that was not stored.
func (w *CollectionWriter) WriteBatch(ctx context.Context, b models.Batch) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.sink.BulkInsert(ctx, w.collection, b)
	w.count += int64(n)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "bulk insert failed").
			WithDetail(errors.DetailCollection, w.collection).
			WithDetail(errors.DetailBatch, w.batches).
			WithDetail(errors.DetailOffset, n)
	}
	w.batches++
	return nil
}

// Count returns the number of records stored.
func (w *CollectionWriter) Count() int64 { return w.count }

// Batches returns the number of batches fully stored.
func (w *CollectionWriter) Batches() int { return w.batches }

// Close is a no-op; inserted records are already durable.
func (w *CollectionWriter) Close() error { return nil }

// Abort is a no-op; inserted batches stay in the collection.
func (w *CollectionWriter) Abort() error { return nil }
