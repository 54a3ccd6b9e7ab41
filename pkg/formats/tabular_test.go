package formats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
)

func TestCellString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{true, "true"},
		{int64(42), "42"},
		{3, "3"},
		{1.5, "1.5"},
		{2.0, "2.0"},
		{1e21, "1e+21"},
		{ts, "2024-03-01T12:30:00.0000005Z"},
		{[]byte("hi"), "aGk="},
		{[]interface{}{"a", int64(1)}, `["a",1]`},
	}
	for _, tt := range tests {
		got, err := CellString(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestInferCell(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"", nil},
		{"true", true},
		{"FALSE", false},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"0", int64(0)},
		{"0.5", 0.5},
		{"2.0", 2.0},
		{"1e3", 1000.0},
		{"007", "007"},
		{"NaN", "NaN"},
		{"12abc", "12abc"},
		{"hello", "hello"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferCell(tt.in), tt.in)
	}
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(int64(3), models.Column{Name: "x", Type: models.ColumnFloat})
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = Coerce(map[string]interface{}{"a": int64(1)}, models.Column{Name: "x", Type: models.ColumnString})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	v, err = Coerce(nil, models.Column{Name: "x", Type: models.ColumnInt})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = Coerce("text", models.Column{Name: "x", Type: models.ColumnInt})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaConflict))
	col, _ := errors.DetailOf(err, errors.DetailColumn)
	assert.Equal(t, "x", col)
}

func TestSchemaTrackerDrift(t *testing.T) {
	first := models.Batch{{"b": int64(1), "a": "x"}}
	drift := models.Batch{{"a": "y", "c": true}}

	t.Run("fail", func(t *testing.T) {
		tr := NewSchemaTracker("out.csv", WriteOptions{SchemaDrift: config.SchemaDriftFail})
		fixed, err := tr.Check(first)
		require.NoError(t, err)
		assert.True(t, fixed)
		assert.Equal(t, []string{"a", "b"}, tr.Schema().Names())

		_, err = tr.Check(drift)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaConflict))
		batch, _ := errors.DetailOf(err, errors.DetailBatch)
		assert.Equal(t, 1, batch)
		col, _ := errors.DetailOf(err, errors.DetailColumn)
		assert.Equal(t, "c", col)
	})

	t.Run("drop warns once per column", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		tr := NewSchemaTracker("out.csv", WriteOptions{SchemaDrift: config.SchemaDriftDrop, Logger: zap.New(core)})
		_, err := tr.Check(first)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			fixed, err := tr.Check(drift)
			require.NoError(t, err)
			assert.False(t, fixed)
		}
		assert.Equal(t, 1, logs.Len())
		assert.Equal(t, []string{"a", "b"}, tr.Schema().Names())
	})
}

func TestOutputCommitAndAbort(t *testing.T) {
	dir := t.TempDir()

	committed := filepath.Join(dir, "nested", "ok.txt")
	out, err := CreateOutput(committed, false)
	require.NoError(t, err)
	_, err = out.Writer().Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, out.Commit())
	require.NoError(t, out.Abort(), "abort after commit is a no-op")

	data, err := os.ReadFile(committed)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
	assert.NoFileExists(t, committed+PartialSuffix)

	aborted := filepath.Join(dir, "failed.txt")
	out, err = CreateOutput(aborted, false)
	require.NoError(t, err)
	_, err = out.Writer().Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, out.Abort())

	assert.NoFileExists(t, aborted)
	data, err = os.ReadFile(aborted + PartialSuffix)
	require.NoError(t, err)
	assert.Equal(t, "half", string(data))
}

func TestOutputAbortRollsBackAppend(t *testing.T) {
	dir := t.TempDir()

	existing := filepath.Join(dir, "log.jsonl")
	require.NoError(t, os.WriteFile(existing, []byte("{\"a\":1}\n"), 0o600))
	out, err := CreateOutput(existing, true)
	require.NoError(t, err)
	assert.Equal(t, int64(8), out.ExistingSize())
	_, err = out.Writer().Write([]byte("{\"a\":2}\n"))
	require.NoError(t, err)
	require.NoError(t, out.Flush())
	require.NoError(t, out.Abort())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(data))

	fresh := filepath.Join(dir, "new.jsonl")
	out, err = CreateOutput(fresh, true)
	require.NoError(t, err)
	_, err = out.Writer().Write([]byte("{\"a\":1}\n"))
	require.NoError(t, err)
	require.NoError(t, out.Abort())
	assert.NoFileExists(t, fresh)
}

func TestOpenInputErrors(t *testing.T) {
	_, err := OpenInput(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceNotFound))

	_, err = OpenInput(t.TempDir())
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceReadFailure))
}
