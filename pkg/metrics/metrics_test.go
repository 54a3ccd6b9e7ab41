package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

func TestRecordFailureUsesErrorType(t *testing.T) {
	before := testutil.ToFloat64(Failures.WithLabelValues(DirectionImport, "schema_conflict"))
	RecordFailure(DirectionImport, errors.New(errors.ErrorTypeSchemaConflict, "drift"))
	after := testutil.ToFloat64(Failures.WithLabelValues(DirectionImport, "schema_conflict"))
	assert.Equal(t, before+1, after)
}

func TestWriteToTextfile(t *testing.T) {
	RecordsWritten.WithLabelValues("csv", DirectionExport).Add(3)

	path := filepath.Join(t.TempDir(), "docflow.prom")
	require.NoError(t, WriteToTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `docflow_records_written_total{direction="export",format="csv"}`))
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker(DirectionExport)
	tr.Add(10)
	tr.Add(5)
	rate := tr.Finish()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues(DirectionExport)))
}
