// Package mongodb implements docstore.Store on top of the MongoDB Go driver.
package mongodb

import (
	"context"
	"io"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Store is a MongoDB-backed docstore.Store. One client is shared by every
// run in the process.
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	name     string
	logger   *zap.Logger
}

var _ docstore.Store = (*Store)(nil)

// Connect creates the client and verifies the deployment answers a ping
// within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "mongo.uri must not be empty")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(cfg.ConnectTimeout).
			SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	if err := clientOpts.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "invalid mongo uri")
	}
	if cfg.Database == "" {
		// mongodb://host/shop names the default database
		if cs, err := connstring.ParseAndValidate(cfg.URI); err == nil {
			cfg.Database = cs.Database
		}
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}

	s := &Store{
		client:   client,
		database: client.Database(cfg.Database),
		name:     cfg.Database,
		logger:   logger.With(zap.String("component", "mongodb"), zap.String("database", cfg.Database)),
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("connected to MongoDB")
	return s, nil
}

// Ping checks that the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping MongoDB")
	}
	return nil
}

// Database returns the configured database name.
func (s *Store) Database() string { return s.name }

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to disconnect from MongoDB")
	}
	return nil
}

// Query opens a cursor over collection. Pipelines run through aggregate
// untouched, everything else through find.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) (stream.RecordStream, error) {
	coll := s.database.Collection(collection)

	var (
		cursor *mongo.Cursor
		err    error
	)
	if q.IsAggregate() {
		pipeline := mongo.Pipeline(q.Pipeline)
		opts := options.Aggregate().SetAllowDiskUse(true)
		if q.BatchSize > 0 {
			opts.SetBatchSize(q.BatchSize)
		}
		cursor, err = coll.Aggregate(ctx, pipeline, opts)
	} else {
		filter := q.Filter
		if filter == nil {
			filter = bson.D{}
		}
		opts := options.Find()
		if q.ExcludeID {
			opts.SetProjection(bson.D{{Key: models.IDField, Value: 0}})
		}
		if q.BatchSize > 0 {
			opts.SetBatchSize(q.BatchSize)
		}
		cursor, err = coll.Find(ctx, filter, opts)
	}
	if err != nil {
		return nil, s.queryErr(err, collection)
	}

	s.logger.Debug("cursor opened",
		zap.String("collection", collection),
		zap.Bool("aggregate", q.IsAggregate()))
	return newCursorStream(cursor, collection), nil
}

func (s *Store) queryErr(err error, collection string) error {
	errType := errors.ErrorTypeSourceReadFailure
	if isConnectionErr(err) {
		errType = errors.ErrorTypeConnection
	}
	return errors.Wrap(err, errType, "query failed").
		WithDetail(errors.DetailCollection, collection)
}

func isConnectionErr(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected)
}

// newCursorStream adapts a cursor to stream.RecordStream.
func newCursorStream(cursor *mongo.Cursor, collection string) stream.RecordStream {
	var offset int64
	return stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		if !cursor.Next(ctx) {
			if err := cursor.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "cursor failed").
					WithDetail(errors.DetailCollection, collection).
					WithDetail(errors.DetailOffset, offset)
			}
			return nil, io.EOF
		}
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "failed to decode document").
				WithDetail(errors.DetailCollection, collection).
				WithDetail(errors.DetailOffset, offset)
		}
		offset++
		return FromBSON(doc), nil
	}, func() error {
		return cursor.Close(context.Background())
	})
}

// CountRecords counts documents matching filter.
func (s *Store) CountRecords(ctx context.Context, collection string, filter bson.D) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}
	n, err := s.database.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, s.queryErr(err, collection)
	}
	return n, nil
}

// ListCollections returns sorted collection names matching pattern.
func (s *Store) ListCollections(ctx context.Context, pattern string) ([]string, error) {
	filter := bson.D{}
	if pattern != "" {
		filter = bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: pattern}}}}
	}
	names, err := s.database.ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list collections").
			WithDetail("pattern", pattern)
	}
	sort.Strings(names)
	return names, nil
}

// ListDatabases returns sorted database names.
func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := s.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list databases")
	}
	sort.Strings(names)
	return names, nil
}

// BulkInsert runs one ordered InsertMany for b.
func (s *Store) BulkInsert(ctx context.Context, collection string, b models.Batch) (int, error) {
	docs := make([]interface{}, len(b))
	for i, r := range b {
		docs[i] = r
	}

	res, err := s.database.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return len(res.InsertedIDs), nil
	}

	inserted := 0
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		inserted = bwe.WriteErrors[0].Index
	}
	errType := errors.ErrorTypePartialWriteFailure
	if isConnectionErr(err) {
		errType = errors.ErrorTypeConnection
	}
	return inserted, errors.Wrap(err, errType, "insert many failed").
		WithDetail(errors.DetailCollection, collection)
}

// Clear deletes every document of collection, keeping its indexes.
func (s *Store) Clear(ctx context.Context, collection string) error {
	res, err := s.database.Collection(collection).DeleteMany(ctx, bson.D{})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to clear collection").
			WithDetail(errors.DetailCollection, collection)
	}
	s.logger.Info("collection cleared",
		zap.String("collection", collection),
		zap.Int64("deleted", res.DeletedCount))
	return nil
}

// FromBSON converts a decoded document to a record of plain Go values:
// ObjectIDs become hex strings, datetimes become UTC time.Time, int32
// widens to int64 and embedded documents and arrays become maps and slices.
func FromBSON(doc bson.D) models.Record {
	rec := make(models.Record, len(doc))
	for _, e := range doc {
		rec[e.Key] = fromBSONValue(e.Value)
	}
	return rec
}

func fromBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.D:
		return map[string]interface{}(FromBSON(t))
	case bson.M:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = fromBSONValue(val)
		}
		return m
	case bson.A:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = fromBSONValue(val)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return t.Data
	case primitive.Regex:
		return t.Pattern
	case primitive.JavaScript:
		return string(t)
	case primitive.Symbol:
		return string(t)
	case primitive.Null, primitive.Undefined:
		return nil
	case primitive.MinKey, primitive.MaxKey:
		return nil
	case int32:
		return int64(t)
	default:
		return v
	}
}
