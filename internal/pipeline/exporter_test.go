package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/docstore"
	"github.com/ajitpratap0/docflow/pkg/docstore/memstore"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	_ "github.com/ajitpratap0/docflow/pkg/formats/csv"
	_ "github.com/ajitpratap0/docflow/pkg/formats/json"
	_ "github.com/ajitpratap0/docflow/pkg/formats/jsonl"
	_ "github.com/ajitpratap0/docflow/pkg/formats/parquet"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
	"github.com/ajitpratap0/docflow/pkg/testutil"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pipeline.ChunkSize = 100
	return cfg
}

// readBack reads a file with the reader its suffix selects, without
// rebuilding nested records.
func readBack(t *testing.T, path string) models.Batch {
	t.Helper()
	f, err := formats.ForPath(path)
	require.NoError(t, err)
	bs, err := f.Open(context.Background(), path, formats.ReadOptions{ChunkSize: 1000, Workers: 1, InferTypes: true, KeepID: true})
	require.NoError(t, err)
	out, err := stream.Collect(context.Background(), bs)
	require.NoError(t, err)
	return out
}

func runErrorOf(t *testing.T, err error) *RunError {
	t.Helper()
	var re *RunError
	require.True(t, errors.As(err, &re), "expected a *RunError, got %v", err)
	return re
}

func TestExportSplitsIntoParts(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users", testutil.Records(12345)...)

	cfg := testConfig()
	cfg.Pipeline.ChunkSize = 1000
	cfg.Export.FileSize = 5000
	exp, err := NewExporter(cfg, store, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	dir := t.TempDir()
	result, err := exp.Export(ctx, ExportRequest{
		Collection: "users",
		Path:       filepath.Join(dir, "users.jsonl"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "jsonl", result.Format)
	assert.Equal(t, int64(12345), result.Records)
	assert.Equal(t, []Artifact{
		{Path: filepath.Join(dir, "users_0.jsonl"), Records: 5000},
		{Path: filepath.Join(dir, "users_1.jsonl"), Records: 5000},
		{Path: filepath.Join(dir, "users_2.jsonl"), Records: 2345},
	}, result.Artifacts)

	last := readBack(t, filepath.Join(dir, "users_2.jsonl"))
	require.Len(t, last, 2345)
	assert.Equal(t, models.Record{"i": int64(10000), "name": "user"}, last[0])
	assert.NoFileExists(t, filepath.Join(dir, "users_3.jsonl"))
	assert.NoFileExists(t, filepath.Join(dir, "users.jsonl"))
}

func TestExportExactMultipleHasNoEmptyTail(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users", testutil.Records(10)...)

	cfg := testConfig()
	cfg.Export.FileSize = 5
	exp, err := NewExporter(cfg, store)
	require.NoError(t, err)

	dir := t.TempDir()
	result, err := exp.Export(context.Background(), ExportRequest{Collection: "users", Path: filepath.Join(dir, "u.json")})
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 2)
	assert.NoFileExists(t, filepath.Join(dir, "u_2.json"))
}

func TestExportEmptySourceWithSplit(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("empty")

	cfg := testConfig()
	cfg.Export.FileSize = 10
	exp, err := NewExporter(cfg, store)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "empty.json")
	result, err := exp.Export(context.Background(), ExportRequest{Collection: "empty", Path: path})
	require.NoError(t, err)
	assert.Equal(t, []Artifact{{Path: PartPath(path, 0), Records: 0}}, result.Artifacts)

	data, err := os.ReadFile(PartPath(path, 0))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestExportQueryAndID(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users",
		models.Record{"_id": "a", "name": "ada", "age": int64(36)},
		models.Record{"_id": "b", "name": "bob", "age": int64(41)},
	)
	ctx := context.Background()

	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "users.jsonl")
	_, err = exp.Export(ctx, ExportRequest{
		Collection: "users",
		Query:      docstore.Query{Filter: bson.D{{Key: "age", Value: 41}}},
		Path:       path,
	})
	require.NoError(t, err)
	assert.Equal(t, models.Batch{{"name": "bob", "age": int64(41)}}, readBack(t, path))

	cfg := testConfig()
	cfg.Export.KeepID = true
	exp, err = NewExporter(cfg, store)
	require.NoError(t, err)
	_, err = exp.Export(ctx, ExportRequest{Collection: "users", Path: path})
	require.NoError(t, err)
	got := readBack(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0]["_id"])
}

func TestExportPipelineKeepsID(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users",
		models.Record{"_id": "a", "name": "ada", "age": int64(36)},
		models.Record{"_id": "b", "name": "bob", "age": int64(41)},
	)
	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.jsonl")
	_, err = exp.Export(context.Background(), ExportRequest{
		Collection: "users",
		Query: docstore.Query{Pipeline: []bson.D{
			{{Key: "$match", Value: bson.D{{Key: "age", Value: 36}}}},
		}},
		Path: path,
	})
	require.NoError(t, err)
	assert.Equal(t, models.Batch{{"_id": "a", "name": "ada", "age": int64(36)}}, readBack(t, path))
}

func TestExportCSVFlattensNestedRecords(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users",
		models.Record{"name": "ada", "address": map[string]interface{}{"city": "Paris", "zip": "FR-75001"}, "tags": []interface{}{"a", "b"}},
	)
	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.csv")
	result, err := exp.Export(context.Background(), ExportRequest{Collection: "users", Path: path})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Records)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "address.city,address.zip,name,tags\nParis,FR-75001,ada,\"[\"\"a\"\",\"\"b\"\"]\"\n", string(data))
}

func TestExportFormatOverride(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users", testutil.Records(3)...)
	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.out")
	result, err := exp.Export(context.Background(), ExportRequest{Collection: "users", Path: path, Format: "jsonl"})
	require.NoError(t, err)
	assert.Equal(t, "jsonl", result.Format)
	assert.FileExists(t, path)

	_, err = exp.Export(context.Background(), ExportRequest{Collection: "users", Path: path, Format: "xml"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))
}

func TestExportMissingCollection(t *testing.T) {
	store := memstore.New("shop")
	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)

	_, err = exp.Export(context.Background(), ExportRequest{Collection: "ghosts", Path: filepath.Join(t.TempDir(), "g.json")})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceNotFound))
	runErrorOf(t, err)

	_, err = exp.Export(context.Background(), ExportRequest{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
}

func TestExportDefaultPath(t *testing.T) {
	exp, err := NewExporter(testConfig(), memstore.New("shop"), WithDatabase("shop"))
	require.NoError(t, err)

	p, err := exp.DefaultPath("users", "csv")
	require.NoError(t, err)
	assert.Equal(t, "shop_users.csv", p)

	p, err = exp.DefaultPath("users", "")
	require.NoError(t, err)
	assert.Equal(t, "shop_users.json", p)

	_, err = exp.DefaultPath("users", "xml")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))
}

func TestPartPath(t *testing.T) {
	assert.Equal(t, "out/users_2.csv", PartPath("out/users.csv", 2))
	assert.Equal(t, "users_0", PartPath("users", 0))
}

func TestExportRunErrorStages(t *testing.T) {
	tests := []struct {
		name    string
		records []models.Record
		chunk   int
		path    string
		stage   State
		errType errors.ErrorType
	}{
		{
			name:    "normalize collision",
			records: []models.Record{{"a.b": int64(1), "a": map[string]interface{}{"b": int64(2)}}},
			chunk:   10,
			path:    "out.csv",
			stage:   StateTransforming,
			errType: errors.ErrorTypeSchemaConflict,
		},
		{
			name:    "schema drift",
			records: []models.Record{{"a": int64(1)}, {"a": int64(2), "b": int64(3)}},
			chunk:   1,
			path:    "out.csv",
			stage:   StateWriting,
			errType: errors.ErrorTypeSchemaConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New("shop")
			store.Seed("c", tt.records...)
			cfg := testConfig()
			cfg.Pipeline.ChunkSize = tt.chunk
			exp, err := NewExporter(cfg, store)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), tt.path)
			_, err = exp.Export(context.Background(), ExportRequest{Collection: "c", Path: path})
			require.Error(t, err)
			re := runErrorOf(t, err)
			assert.Equal(t, tt.stage, re.Stage)
			assert.Equal(t, path, re.Path)
			assert.True(t, errors.IsType(err, tt.errType))
			assert.NoFileExists(t, path)
		})
	}
}

func TestExportStreamReadFailure(t *testing.T) {
	exp, err := NewExporter(testConfig(), nil)
	require.NoError(t, err)

	calls := 0
	rs := stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		calls++
		if calls > 150 {
			return nil, errors.New(errors.ErrorTypeConnection, "connection reset")
		}
		return models.Record{"n": int64(calls)}, nil
	}, nil)

	path := filepath.Join(t.TempDir(), "stream.jsonl")
	result, err := exp.ExportStream(context.Background(), rs, path, "")
	require.Error(t, err)
	re := runErrorOf(t, err)
	assert.Equal(t, StateReading, re.Stage)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))

	// the first chunk reached the file before the failure
	assert.Equal(t, int64(100), result.Records)
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+formats.PartialSuffix)
}

func TestExportStream(t *testing.T) {
	exp, err := NewExporter(testConfig(), nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "stream.parquet")
	result, err := exp.ExportStream(context.Background(), stream.FromSlice(testutil.Records(250)), path, "")
	require.NoError(t, err)
	assert.Equal(t, int64(250), result.Records)
	assert.Len(t, readBack(t, path), 250)
}

func TestExportCanceled(t *testing.T) {
	store := memstore.New("shop")
	store.Seed("users", testutil.Records(10)...)
	exp, err := NewExporter(testConfig(), store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exp.Export(ctx, ExportRequest{Collection: "users", Path: filepath.Join(t.TempDir(), "u.json")})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
}
