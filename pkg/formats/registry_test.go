package formats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

func stubFormat(name string, exts ...string) Format {
	return Format{
		Name:       name,
		Extensions: exts,
		Reader: ReaderFunc(func(ctx context.Context, path string, opts ReadOptions) (stream.BatchStream, error) {
			return stream.FromBatches(), nil
		}),
		NewWriter: func(path string, opts WriteOptions) (Writer, error) { return nil, nil },
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubFormat("json", ".json")))
	require.NoError(t, r.Register(stubFormat("jsonl", ".jsonl", ".ndjson")))

	f, err := r.Lookup("JSONL")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", f.Name)
	assert.Equal(t, ".jsonl", f.Extension())

	f, err = r.Lookup(".ndjson")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", f.Name)

	f, err = r.ForPath("/data/Users.JSON")
	require.NoError(t, err)
	assert.Equal(t, "json", f.Name)

	_, err = r.Lookup("xml")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))
	_, err = r.ForPath("users.xml")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))

	assert.True(t, r.Supports("a.ndjson"))
	assert.False(t, r.Supports("a.txt"))

	names := []string{}
	for _, f := range r.List() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"json", "jsonl"}, names)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubFormat("csv", ".csv")))

	assert.Error(t, r.Register(stubFormat("csv", ".txt")))
	assert.Error(t, r.Register(stubFormat("tsv", ".csv")))
	assert.Error(t, r.Register(Format{Name: "empty"}))
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubFormat("json", ".json")))
	require.NoError(t, r.Register(stubFormat("csv", ".csv")))

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	f, err := r.Resolve("out.json", "csv", "json", logger)
	require.NoError(t, err)
	assert.Equal(t, "csv", f.Name, "explicit tag wins over suffix")

	f, err = r.Resolve("out.csv", "", "json", logger)
	require.NoError(t, err)
	assert.Equal(t, "csv", f.Name)
	assert.Equal(t, 0, logs.Len())

	f, err = r.Resolve("out.dat", "", "json", logger)
	require.NoError(t, err)
	assert.Equal(t, "json", f.Name)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "out.dat", logs.All()[0].ContextMap()["path"])

	_, err = r.Resolve("out.dat", "", "xml", logger)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))
	_, err = r.Resolve("out.json", "xml", "json", logger)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedFormat))
}

func TestFormatCreateRejectsAppend(t *testing.T) {
	f := stubFormat("json", ".json")
	_, err := f.Create("out.json", WriteOptions{Append: true})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))

	_, err = f.Open(context.Background(), "in.json", ReadOptions{ChunkSize: 0})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
}
