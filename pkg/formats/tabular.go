package formats

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/json"
	"github.com/ajitpratap0/docflow/pkg/models"
)

// SchemaTracker fixes a tabular artifact's columns from the first batch and
// checks every later batch against them.
type SchemaTracker struct {
	path    string
	policy  string
	logger  *zap.Logger
	schema  *models.Schema
	dropped map[string]bool
	batches int
}

// NewSchemaTracker creates a tracker applying opts.SchemaDrift.
func NewSchemaTracker(path string, opts WriteOptions) *SchemaTracker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaTracker{
		path:    path,
		policy:  opts.SchemaDrift,
		logger:  logger,
		dropped: make(map[string]bool),
	}
}

// Schema returns the fixed schema, or nil before the first batch.
func (t *SchemaTracker) Schema() *models.Schema { return t.schema }

// Adopt fixes the schema to columns read from an existing artifact.
func (t *SchemaTracker) Adopt(s *models.Schema) { t.schema = s }

// Check fixes the schema on the first call and reports drift on later ones.
// It returns true when the schema was fixed by this call.
func (t *SchemaTracker) Check(b models.Batch) (bool, error) {
	defer func() { t.batches++ }()

	if t.schema == nil {
		t.schema = models.InferSchema(b)
		return true, nil
	}

	extra := t.schema.Missing(b)
	if len(extra) == 0 {
		return false, nil
	}
	if t.policy == config.SchemaDriftDrop {
		for _, col := range extra {
			if !t.dropped[col] {
				t.dropped[col] = true
				t.logger.Warn("dropping column not present in header",
					zap.String("path", t.path),
					zap.String("column", col),
					zap.Int("batch", t.batches))
			}
		}
		return false, nil
	}
	return false, errors.Newf(errors.ErrorTypeSchemaConflict, "batch introduces %d column(s) not in the header", len(extra)).
		WithDetail(errors.DetailPath, t.path).
		WithDetail(errors.DetailBatch, t.batches).
		WithDetail(errors.DetailColumn, strings.Join(extra, ","))
}

// CellString renders a value for delimited text. nil is the empty string,
// nested values are JSON text and integral floats keep a ".0" so they read
// back as floats.
func CellString(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return formatFloat(float64(t)), nil
	case float64:
		return formatFloat(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(t), nil
	default:
		return json.MarshalString(t)
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// InferCell converts a delimited text cell to the narrowest value it holds:
// empty is nil, then bool, int64, float64, else the string itself.
func InferCell(s string) interface{} {
	if s == "" {
		return nil
	}
	switch s {
	case "true", "True", "TRUE":
		return true
	case "false", "False", "FALSE":
		return false
	}
	// zero-padded codes like "007" stay text
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if c := s[0]; c == '-' || c == '+' || (c >= '0' && c <= '9') || c == '.' {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
	}
	return s
}

// Coerce converts v to the Go type used for a typed column, widening ints
// into float columns. Values that cannot be represented are a SchemaConflict.
func Coerce(v interface{}, col models.Column) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case models.ColumnBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case models.ColumnInt:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case models.ColumnFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case models.ColumnTimestamp:
		if ts, ok := v.(time.Time); ok {
			return ts, nil
		}
	case models.ColumnBinary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case models.ColumnString:
		return CellString(v)
	}
	return nil, errors.Newf(errors.ErrorTypeSchemaConflict, "value of type %T does not fit %s column", v, col.Type).
		WithDetail(errors.DetailColumn, col.Name)
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
