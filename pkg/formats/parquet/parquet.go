// Package parquet reads and writes Parquet files through Apache Arrow.
//
// The writer fixes an Arrow schema from the first batch and writes every
// batch as its own row group. Column types follow models.InferSchema;
// nested values that reach the writer are stored as JSON text.
package parquet

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Name is the format tag.
const Name = "parquet"

func init() {
	formats.MustRegister(formats.Format{
		Name:       Name,
		Extensions: []string{".parquet", ".pq"},
		Tabular:    true,
		Reader:     formats.ReaderFunc(Read),
		NewWriter:  NewWriter,
	})
}

// Read streams the rows of a Parquet file. Arrow record batches are read
// with the chunk size as batch length so at most one is held at a time.
func Read(ctx context.Context, path string, opts formats.ReadOptions) (stream.BatchStream, error) {
	f, err := formats.OpenInput(path)
	if err != nil {
		return nil, err
	}

	fr, err := file.NewParquetReader(f)
	if err != nil {
		_ = f.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	mem := memory.NewGoAllocator()
	props := pqarrow.ArrowReadProperties{BatchSize: int64(opts.ChunkSize)}
	ar, err := pqarrow.NewFileReader(fr, props, mem)
	if err != nil {
		_ = fr.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	rr, err := ar.GetRecordReader(ctx, nil, nil)
	if err != nil {
		_ = fr.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	var (
		current arrow.Record
		row     int
		offset  int64
	)
	next := func(ctx context.Context) (models.Record, error) {
		for current == nil || row >= int(current.NumRows()) {
			if !rr.Next() {
				if err := rr.Err(); err != nil && err != io.EOF {
					return nil, formats.ReadError(err, path, offset)
				}
				return nil, io.EOF
			}
			current, row = rr.Record(), 0
		}

		rec := make(models.Record, current.NumCols())
		schema := current.Schema()
		for i := 0; i < int(current.NumCols()); i++ {
			v := columnValue(current.Column(i), row)
			if v != nil {
				rec[schema.Field(i).Name] = v
			}
		}
		row++
		offset++
		return rec, nil
	}
	closeFn := func() error {
		rr.Release()
		return fr.Close()
	}

	return formats.Batches(stream.RecordFunc(next, closeFn), opts, true)
}

// columnValue copies one cell out of an Arrow array.
func columnValue(col arrow.Array, i int) interface{} {
	if col.IsNull(i) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(i)
	case *array.Int8:
		return int64(c.Value(i))
	case *array.Int16:
		return int64(c.Value(i))
	case *array.Int32:
		return int64(c.Value(i))
	case *array.Int64:
		return c.Value(i)
	case *array.Uint8:
		return int64(c.Value(i))
	case *array.Uint16:
		return int64(c.Value(i))
	case *array.Uint32:
		return int64(c.Value(i))
	case *array.Float32:
		return float64(c.Value(i))
	case *array.Float64:
		return c.Value(i)
	case *array.String:
		return strings.Clone(c.Value(i))
	case *array.LargeString:
		return strings.Clone(c.Value(i))
	case *array.Binary:
		return append([]byte(nil), c.Value(i)...)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return timestampToTime(int64(c.Value(i)), unit)
	default:
		return col.ValueStr(i)
	}
}

func timestampToTime(v int64, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(v, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(v).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}

// Writer writes batches as Parquet row groups.
type Writer struct {
	path    string
	out     *formats.Output
	tracker *formats.SchemaTracker
	logger  *zap.Logger
	mem     memory.Allocator
	schema  *arrow.Schema
	fw      *pqarrow.FileWriter
	count   int64
	batches int
}

// NewWriter opens path for writing. The Arrow schema is fixed by the first batch.
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
		logger:  logger.With(zap.String("component", "parquet_writer"), zap.String("path", path)),
		mem:     memory.NewGoAllocator(),
	}, nil
}

func (w *Writer) open(s *models.Schema) error {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	w.schema = arrow.NewSchema(fields, nil)

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(w.mem))

	fw, err := pqarrow.NewFileWriter(w.schema, w.out.Writer(), props, arrowProps)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create parquet writer").
			WithDetail(errors.DetailPath, w.path)
	}
	w.fw = fw
	return nil
}

func arrowType(t models.ColumnType) arrow.DataType {
	switch t {
	case models.ColumnBool:
		return arrow.FixedWidthTypes.Boolean
	case models.ColumnInt:
		return arrow.PrimitiveTypes.Int64
	case models.ColumnFloat:
		return arrow.PrimitiveTypes.Float64
	case models.ColumnTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	case models.ColumnBinary:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// WriteBatch appends one row group.
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

	builder := array.NewRecordBuilder(w.mem, w.schema)
	defer builder.Release()

	for i, rec := range b {
		for j, col := range s.Columns {
			if err := appendValue(builder.Field(j), rec[col.Name], col); err != nil {
				return errors.Wrap(err, errors.ErrorTypeSchemaConflict, "value does not match column type").
					WithDetail(errors.DetailPath, w.path).
					WithDetail(errors.DetailBatch, w.batches).
					WithDetail(errors.DetailOffset, i)
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	if err := w.fw.Write(record); err != nil {
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to write row group").
			WithDetail(errors.DetailPath, w.path).
			WithDetail(errors.DetailBatch, w.batches)
	}

	w.count += int64(len(b))
	w.batches++
	w.logger.Debug("row group written", zap.Int("batch", w.batches-1), zap.Int("records", len(b)))
	return nil
}

func appendValue(fb array.Builder, v interface{}, col models.Column) error {
	value, err := formats.Coerce(v, col)
	if err != nil {
		return err
	}
	if value == nil {
		fb.AppendNull()
		return nil
	}

	switch b := fb.(type) {
	case *array.BooleanBuilder:
		b.Append(value.(bool))
	case *array.Int64Builder:
		b.Append(value.(int64))
	case *array.Float64Builder:
		b.Append(value.(float64))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(value.(time.Time).UnixMicro()))
	case *array.BinaryBuilder:
		b.Append(value.([]byte))
	case *array.StringBuilder:
		b.Append(value.(string))
	default:
		return errors.Newf(errors.ErrorTypeInternal, "unsupported builder type: %T", fb)
	}
	return nil
}

// Count returns the number of rows written.
func (w *Writer) Count() int64 { return w.count }

// Close writes the footer and publishes the file. A writer that received no
// rows produces a file with an empty schema.
func (w *Writer) Close() error {
	if w.fw == nil {
		if err := w.open(models.NewSchema(nil)); err != nil {
			_ = w.out.Abort()
			return err
		}
	}
	if err := w.fw.Close(); err != nil {
		_ = w.out.Abort()
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to close parquet writer").
			WithDetail(errors.DetailPath, w.path)
	}
	if err := w.out.Commit(); err != nil {
		return err
	}
	w.logger.Info("parquet file written", zap.Int64("records", w.count))
	return nil
}

// Abort closes the file without a footer; the .partial file is unreadable as Parquet.
func (w *Writer) Abort() error {
	return w.out.Abort()
}
