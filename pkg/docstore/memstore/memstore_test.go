package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

func collect(t *testing.T, rs stream.RecordStream) []models.Record {
	t.Helper()
	bs, err := stream.Chunk(rs, 100)
	require.NoError(t, err)
	out, err := stream.Collect(context.Background(), bs)
	require.NoError(t, err)
	return out
}

func TestQueryFilterAndPipeline(t *testing.T) {
	s := New("db")
	s.Seed("people",
		models.Record{"name": "ada", "age": int64(36)},
		models.Record{"name": "bob", "age": int64(41)},
		models.Record{"name": "cyd", "age": int64(36)},
	)
	ctx := context.Background()

	rs, err := s.Query(ctx, "people", docstore.Query{Filter: bson.D{{Key: "age", Value: int32(36)}}, ExcludeID: true})
	require.NoError(t, err)
	got := collect(t, rs)
	assert.Equal(t, []models.Record{{"name": "ada", "age": int64(36)}, {"name": "cyd", "age": int64(36)}}, got)

	rs, err = s.Query(ctx, "people", docstore.Query{Pipeline: []bson.D{
		{{Key: "$skip", Value: int32(1)}},
		{{Key: "$limit", Value: int32(1)}},
	}})
	require.NoError(t, err)
	got = collect(t, rs)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0]["name"])
	assert.NotEmpty(t, got[0][models.IDField])

	_, err = s.Query(ctx, "people", docstore.Query{Pipeline: []bson.D{{{Key: "$group", Value: bson.D{}}}}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))

	n, err := s.CountRecords(ctx, "people", bson.D{{Key: "name", Value: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExcludeIDOnlyAppliesToFind(t *testing.T) {
	s := New("db")
	s.Seed("people", models.Record{"_id": "a", "name": "ada"})
	ctx := context.Background()

	rs, err := s.Query(ctx, "people", docstore.Query{ExcludeID: true})
	require.NoError(t, err)
	assert.Equal(t, []models.Record{{"name": "ada"}}, collect(t, rs))

	rs, err = s.Query(ctx, "people", docstore.Query{
		Pipeline:  []bson.D{{{Key: "$match", Value: bson.D{}}}},
		ExcludeID: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Record{{"_id": "a", "name": "ada"}}, collect(t, rs))
}

func TestListCollectionsAndClear(t *testing.T) {
	s := New("db")
	s.Seed("users", models.Record{"a": int64(1)})
	s.Seed("user_events", models.Record{"a": int64(1)})
	s.Seed("orders")
	ctx := context.Background()

	names, err := s.ListCollections(ctx, "^user")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_events", "users"}, names)

	_, err = s.ListCollections(ctx, "(")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))

	require.NoError(t, s.Clear(ctx, "users"))
	n, err := s.CountRecords(ctx, "users", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	names, err = s.ListCollections(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "user_events", "users"}, names)
}

func TestRecordsAreCopied(t *testing.T) {
	s := New("db")
	in := models.Record{"a": int64(1)}
	_, err := s.BulkInsert(context.Background(), "c", models.Batch{in})
	require.NoError(t, err)
	in["a"] = int64(2)

	got := s.Records("c")
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0]["a"])
	_, hasID := in[models.IDField]
	assert.False(t, hasID)
}
