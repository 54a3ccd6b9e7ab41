package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
)

func TestFromBSON(t *testing.T) {
	oid := primitive.NewObjectID()
	at := time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC)

	doc := bson.D{
		{Key: "_id", Value: oid},
		{Key: "n", Value: int32(7)},
		{Key: "big", Value: int64(1) << 40},
		{Key: "at", Value: primitive.NewDateTimeFromTime(at)},
		{Key: "bin", Value: primitive.Binary{Subtype: 0, Data: []byte("x")}},
		{Key: "nil", Value: primitive.Null{}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "NYC"}, {Key: "zip", Value: int32(10001)}}},
		{Key: "tags", Value: bson.A{"a", bson.D{{Key: "k", Value: int32(1)}}}},
	}

	got := FromBSON(doc)
	assert.Equal(t, models.Record{
		"_id":     oid.Hex(),
		"n":       int64(7),
		"big":     int64(1) << 40,
		"at":      at,
		"bin":     []byte("x"),
		"nil":     nil,
		"address": map[string]interface{}{"city": "NYC", "zip": int64(10001)},
		"tags":    []interface{}{"a", map[string]interface{}{"k": int64(1)}},
	}, got)
}

func TestConnectRejectsEmptyURI(t *testing.T) {
	_, err := Connect(context.Background(), config.MongoConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
}
