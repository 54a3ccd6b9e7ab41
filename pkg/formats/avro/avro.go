// Package avro reads and writes Avro object container files.
//
// The record schema is derived from the first batch. Every field is a
// nullable union so absent values round-trip as absent. Column names that
// are not valid Avro names are sanitized and the original name is kept in
// the field's "docflow.column" attribute, which the reader honors.
package avro

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/json"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Name is the format tag.
const Name = "avro"

const (
	columnAttribute = "docflow.column"
	recordName      = "Record"
	recordNamespace = "docflow"
	compression     = goavro.CompressionSnappyLabel
	timestampUnion  = "long.timestamp-micros"
)

func init() {
	formats.MustRegister(formats.Format{
		Name:       Name,
		Extensions: []string{".avro"},
		Tabular:    true,
		Reader:     formats.ReaderFunc(Read),
		NewWriter:  NewWriter,
	})
}

// field maps an Avro field back to its column.
type field struct {
	avroName string
	column   string
	union    bool
}

// Read streams the records of an object container file.
func Read(ctx context.Context, path string, opts formats.ReadOptions) (stream.BatchStream, error) {
	f, err := formats.OpenInput(path)
	if err != nil {
		return nil, err
	}

	ocfr, err := goavro.NewOCFReader(bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		_ = f.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	fields, err := parseFields(ocfr.Codec().Schema())
	if err != nil {
		_ = f.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	var offset int64
	next := func(ctx context.Context) (models.Record, error) {
		if !ocfr.Scan() {
			if err := ocfr.Err(); err != nil {
				return nil, formats.ReadError(err, path, offset)
			}
			return nil, io.EOF
		}
		datum, err := ocfr.Read()
		if err != nil {
			return nil, formats.ReadError(err, path, offset)
		}
		native, ok := datum.(map[string]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeSourceReadFailure, "expected record datum, got %T", datum).
				WithDetail(errors.DetailPath, path).
				WithDetail(errors.DetailOffset, offset)
		}
		offset++
		return toRecord(native, fields), nil
	}

	return formats.Batches(stream.RecordFunc(next, f.Close), opts, true)
}

// parseFields reads the top-level fields of a record schema.
func parseFields(schema string) ([]field, error) {
	var parsed struct {
		Type   interface{}              `json:"type"`
		Fields []map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(schema), &parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "invalid avro schema")
	}
	if parsed.Type != "record" {
		return nil, errors.Newf(errors.ErrorTypeSourceReadFailure, "top-level avro type must be record, got %v", parsed.Type)
	}

	fields := make([]field, 0, len(parsed.Fields))
	for _, fm := range parsed.Fields {
		name, _ := fm["name"].(string)
		column := name
		if orig, ok := fm[columnAttribute].(string); ok && orig != "" {
			column = orig
		}
		_, union := fm["type"].([]interface{})
		fields = append(fields, field{avroName: name, column: column, union: union})
	}
	return fields, nil
}

func toRecord(native map[string]interface{}, fields []field) models.Record {
	rec := make(models.Record, len(fields))
	for _, fd := range fields {
		v, ok := native[fd.avroName]
		if !ok {
			continue
		}
		if fd.union {
			v = unwrapUnion(v)
		}
		if v = widen(v); v != nil {
			rec[fd.column] = v
		}
	}
	return rec
}

// unwrapUnion returns the branch value of a decoded union.
func unwrapUnion(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return nil
}

func widen(v interface{}) interface{} {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

// Writer appends batches to an object container file.
type Writer struct {
	path    string
	out     *formats.Output
	tracker *formats.SchemaTracker
	logger  *zap.Logger
	ocfw    *goavro.OCFWriter
	names   []string
	count   int64
	batches int
}

// NewWriter opens path for writing. The Avro schema is fixed by the first batch.
func NewWriter(path string, opts formats.WriteOptions) (formats.Writer, error) {
	out, err := formats.CreateOutput(path, false)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		path:    path,
		out:     out,
		tracker: formats.NewSchemaTracker(path, opts),
		logger:  logger.With(zap.String("component", "avro_writer"), zap.String("path", path)),
	}, nil
}

func (w *Writer) open(s *models.Schema) error {
	schema, names, err := avroSchema(s)
	if err != nil {
		return err
	}
	ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w.out.Writer(),
		Schema:          schema,
		CompressionName: compression,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create avro writer").
			WithDetail(errors.DetailPath, w.path)
	}
	w.ocfw, w.names = ocfw, names
	return nil
}

// avroSchema builds a record schema with one nullable field per column and
// returns the Avro field name chosen for each column.
func avroSchema(s *models.Schema) (string, []string, error) {
	used := make(map[string]bool, len(s.Columns))
	names := make([]string, len(s.Columns))
	fields := make([]map[string]interface{}, len(s.Columns))

	for i, c := range s.Columns {
		name := uniqueName(sanitize(c.Name), used)
		names[i] = name

		fd := map[string]interface{}{
			"name":    name,
			"type":    []interface{}{"null", avroType(c.Type)},
			"default": nil,
		}
		if name != c.Name {
			fd[columnAttribute] = c.Name
		}
		fields[i] = fd
	}

	schema, err := json.MarshalString(map[string]interface{}{
		"type":      "record",
		"name":      recordName,
		"namespace": recordNamespace,
		"fields":    fields,
	})
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode avro schema")
	}
	return schema, names, nil
}

func avroType(t models.ColumnType) interface{} {
	switch t {
	case models.ColumnBool:
		return "boolean"
	case models.ColumnInt:
		return "long"
	case models.ColumnFloat:
		return "double"
	case models.ColumnTimestamp:
		return map[string]interface{}{"type": "long", "logicalType": "timestamp-micros"}
	case models.ColumnBinary:
		return "bytes"
	default:
		return "string"
	}
}

// unionName is the branch name goavro expects for a non-null value.
func unionName(t models.ColumnType) string {
	if t == models.ColumnTimestamp {
		return timestampUnion
	}
	return avroType(t).(string)
}

// sanitize maps a column name onto [A-Za-z_][A-Za-z0-9_]*.
func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for n := 2; used[candidate]; n++ {
		candidate = name + "_" + strconv.Itoa(n)
	}
	used[candidate] = true
	return candidate
}

// WriteBatch appends the records of b as one block.
func (w *Writer) WriteBatch(ctx context.Context, b models.Batch) error {
	if len(b) == 0 {
		return nil
	}
	fixed, err := w.tracker.Check(b)
	if err != nil {
		return err
	}
	s := w.tracker.Schema()
	if fixed {
		if err := w.open(s); err != nil {
			return err
		}
	}

	data := make([]interface{}, len(b))
	for i, rec := range b {
		native := make(map[string]interface{}, len(s.Columns))
		for j, col := range s.Columns {
			v, err := formats.Coerce(rec[col.Name], col)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeSchemaConflict, "value does not match column type").
					WithDetail(errors.DetailPath, w.path).
					WithDetail(errors.DetailBatch, w.batches).
					WithDetail(errors.DetailOffset, i)
			}
			if v == nil {
				native[w.names[j]] = goavro.Union("null", nil)
				continue
			}
			native[w.names[j]] = goavro.Union(unionName(col.Type), v)
		}
		data[i] = native
	}

	if err := w.ocfw.Append(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to append avro block").
			WithDetail(errors.DetailPath, w.path).
			WithDetail(errors.DetailBatch, w.batches)
	}

	w.count += int64(len(b))
	w.batches++
	w.logger.Debug("block written", zap.Int("batch", w.batches-1), zap.Int("records", len(b)))
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int64 { return w.count }

// Close publishes the file. With no records the file holds an empty record schema.
func (w *Writer) Close() error {
	if w.ocfw == nil {
		if err := w.open(models.NewSchema(nil)); err != nil {
			_ = w.out.Abort()
			return err
		}
	}
	if err := w.out.Commit(); err != nil {
		return err
	}
	w.logger.Info("avro file written", zap.Int64("records", w.count))
	return nil
}

// Abort leaves the data written so far under the .partial name.
func (w *Writer) Abort() error {
	return w.out.Abort()
}
