// Package csv reads and writes delimited text files with a header row.
//
// The header is fixed by the first batch written (columns sorted by name)
// and written exactly once. Cells holding nested values are JSON text, so a
// normalized record round-trips through a CSV file. On read, empty cells
// are treated as absent fields and, with InferTypes, other cells are typed
// as bool, int64 or float64 when they parse as such.
package csv

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/pool"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Name is the format tag.
const Name = "csv"

func init() {
	formats.MustRegister(formats.Format{
		Name:       Name,
		Extensions: []string{".csv"},
		Tabular:    true,
		Appendable: true,
		Reader:     formats.ReaderFunc(Read),
		NewWriter:  NewWriter,
	})
}

const utf8BOM = "\ufeff"

// Read opens path as a stream of batches.
func Read(ctx context.Context, path string, opts formats.ReadOptions) (stream.BatchStream, error) {
	f, err := formats.OpenInput(path)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bufio.NewReaderSize(f, 256*1024))
	r.Comma = opts.Delimiter
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		_ = f.Close()
		return stream.FromBatches(), nil
	}
	if err != nil {
		_ = f.Close()
		return nil, formats.ReadError(err, path, 0)
	}
	columns := make([]string, len(header))
	copy(columns, header)
	if len(columns) > 0 {
		columns[0] = trimBOM(columns[0])
	}

	var offset int64
	rs := stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		row, err := r.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, formats.ReadError(err, path, offset)
		}
		if len(row) > len(columns) {
			return nil, errors.Newf(errors.ErrorTypeSourceReadFailure, "row has %d fields, header has %d", len(row), len(columns)).
				WithDetail(errors.DetailPath, path).
				WithDetail(errors.DetailOffset, offset)
		}
		offset++

		rec := make(models.Record, len(row))
		for i, cell := range row {
			if cell == "" {
				continue
			}
			if opts.InferTypes {
				rec[columns[i]] = formats.InferCell(cell)
			} else {
				rec[columns[i]] = cell
			}
		}
		return rec, nil
	}, f.Close)

	return formats.Batches(rs, opts, true)
}

func trimBOM(s string) string {
	if len(s) >= len(utf8BOM) && s[:len(utf8BOM)] == utf8BOM {
		return s[len(utf8BOM):]
	}
	return s
}

// Writer writes batches as delimited rows under a single header.
type Writer struct {
	path       string
	out        *formats.Output
	cw         *csv.Writer
	tracker    *formats.SchemaTracker
	logger     *zap.Logger
	headerDone bool
	count      int64
	batches    int
}

// NewWriter opens path for writing. In append mode the header of a
// non-empty existing file is reused and not written again.
func NewWriter(path string, opts formats.WriteOptions) (formats.Writer, error) {
	var existing []string
	if opts.Append {
		h, err := readHeader(path, opts.Delimiter)
		if err != nil {
			return nil, err
		}
		existing = h
	}

	out, err := formats.CreateOutput(path, opts.Append)
	if err != nil {
		return nil, err
	}

	cw := csv.NewWriter(out.Writer())
	cw.Comma = opts.Delimiter
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Writer{
		path:    path,
		out:     out,
		cw:      cw,
		tracker: formats.NewSchemaTracker(path, opts),
		logger:  opts.Logger.With(zap.String("component", "csv_writer"), zap.String("path", path)),
	}
	if len(existing) > 0 {
		cols := make([]models.Column, len(existing))
		for i, name := range existing {
			cols[i] = models.Column{Name: name, Type: models.ColumnString}
		}
		w.tracker.Adopt(models.NewSchema(cols))
		w.headerDone = true
	}
	return w, nil
}

// readHeader returns the header of an existing non-empty file, or nil.
func readHeader(path string, delimiter rune) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to open file for append").
			WithDetail(errors.DetailPath, path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, formats.ReadError(err, path, 0)
	}
	if len(header) > 0 {
		header[0] = trimBOM(header[0])
	}
	return header, nil
}

// WriteBatch writes the header on the first batch, then one row per record.
func (w *Writer) WriteBatch(ctx context.Context, b models.Batch) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := w.tracker.Check(b); err != nil {
		return err
	}
	columns := w.tracker.Schema().Names()

	if !w.headerDone {
		if err := w.cw.Write(columns); err != nil {
			return w.writeErr(err, 0)
		}
		w.headerDone = true
	}

	row := pool.GetStringSlice(len(columns))
	defer pool.PutStringSlice(row)
	for i, rec := range b {
		for j, col := range columns {
			cell, err := formats.CellString(rec[col])
			if err != nil {
				return w.writeErr(err, i)
			}
			row[j] = cell
		}
		if err := w.cw.Write(row); err != nil {
			return w.writeErr(err, i)
		}
	}

	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		return w.writeErr(err, len(b))
	}
	w.count += int64(len(b))
	w.batches++
	w.logger.Debug("batch written", zap.Int("batch", w.batches-1), zap.Int("records", len(b)))
	return nil
}

// Count returns the number of rows written, excluding the header.
func (w *Writer) Count() int64 { return w.count }

// Close flushes and publishes the file.
func (w *Writer) Close() error {
	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		_ = w.out.Abort()
		return w.writeErr(err, 0)
	}
	if err := w.out.Commit(); err != nil {
		return err
	}
	w.logger.Info("csv file written", zap.Int64("records", w.count))
	return nil
}

// Abort closes the file without publishing it.
func (w *Writer) Abort() error {
	w.cw.Flush()
	return w.out.Abort()
}

func (w *Writer) writeErr(err error, offset int) error {
	return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to write csv rows").
		WithDetail(errors.DetailPath, w.path).
		WithDetail(errors.DetailBatch, w.batches).
		WithDetail(errors.DetailOffset, offset)
}
