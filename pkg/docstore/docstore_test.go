package docstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/docstore/memstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
)

func TestParseQuery(t *testing.T) {
	q, err := docstore.ParseQuery("")
	require.NoError(t, err)
	assert.False(t, q.IsAggregate())
	assert.Empty(t, q.Filter)

	q, err = docstore.ParseQuery(`{"status": "active", "age": {"$gt": 30}}`)
	require.NoError(t, err)
	require.Len(t, q.Filter, 2)
	assert.Equal(t, "status", q.Filter[0].Key)
	assert.Equal(t, "active", q.Filter[0].Value)
	assert.Equal(t, bson.D{{Key: "$gt", Value: int32(30)}}, q.Filter[1].Value)

	q, err = docstore.ParseQuery(` [{"$match": {"a": 1}}, {"$limit": 5}] `)
	require.NoError(t, err)
	require.True(t, q.IsAggregate())
	require.Len(t, q.Pipeline, 2)
	assert.Equal(t, "$limit", q.Pipeline[1][0].Key)
}

func TestParseQueryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"_id": {"$oid": "5f1d7a9e8c1b2a3d4e5f6a7b"}}`), 0o600))

	q, err := docstore.ParseQuery(path)
	require.NoError(t, err)
	require.Len(t, q.Filter, 1)
	assert.Equal(t, "_id", q.Filter[0].Key)

	_, err = docstore.ParseQuery(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceNotFound))

	_, err = docstore.ParseQuery(`{"a": `)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
	_, err = docstore.ParseQuery(`[1, 2]`)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
}

func TestCollectionWriterOneInsertPerBatch(t *testing.T) {
	store := memstore.New("test")
	w := docstore.NewCollectionWriter(store, "people")
	ctx := context.Background()

	require.NoError(t, w.WriteBatch(ctx, models.Batch{{"n": int64(1)}, {"n": int64(2)}}))
	require.NoError(t, w.WriteBatch(ctx, models.Batch{}))
	require.NoError(t, w.WriteBatch(ctx, models.Batch{{"n": int64(3)}}))
	require.NoError(t, w.Close())

	assert.Equal(t, int64(3), w.Count())
	assert.Equal(t, 2, w.Batches())
	assert.Equal(t, 2, store.InsertCalls("people"))
	assert.Len(t, store.Records("people"), 3)
}

func TestCollectionWriterPartialFailure(t *testing.T) {
	store := memstore.New("test")
	store.SetInsertHook(func(collection string, b models.Batch) (int, error) {
		if len(b) == 3 {
			return 1, errors.New(errors.ErrorTypeInternal, "duplicate key")
		}
		return len(b), nil
	})
	w := docstore.NewCollectionWriter(store, "people")
	ctx := context.Background()

	require.NoError(t, w.WriteBatch(ctx, models.Batch{{"n": int64(1)}, {"n": int64(2)}}))
	err := w.WriteBatch(ctx, models.Batch{{"n": int64(3)}, {"n": int64(4)}, {"n": int64(5)}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePartialWriteFailure))

	batch, _ := errors.DetailOf(err, errors.DetailBatch)
	assert.Equal(t, 1, batch)
	offset, _ := errors.DetailOf(err, errors.DetailOffset)
	assert.Equal(t, 1, offset)
	assert.Equal(t, int64(3), w.Count())
	assert.Len(t, store.Records("people"), 3)
}
