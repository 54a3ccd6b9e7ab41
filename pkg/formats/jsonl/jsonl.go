// Package jsonl reads and writes newline-delimited JSON, one record per line.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/json"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// Name is the format tag.
const Name = "jsonl"

const maxLineSize = 64 * 1024 * 1024

func init() {
	formats.MustRegister(formats.Format{
		Name:       Name,
		Extensions: []string{".jsonl", ".ndjson"},
		Appendable: true,
		Reader:     formats.ReaderFunc(Read),
		NewWriter:  NewWriter,
	})
}

// Read streams one record per non-blank line.
func Read(ctx context.Context, path string, opts formats.ReadOptions) (stream.BatchStream, error) {
	f, err := formats.OpenInput(path)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var line int64
	rs := stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		for scanner.Scan() {
			line++
			data := bytes.TrimSpace(scanner.Bytes())
			if len(data) == 0 {
				continue
			}
			var rec map[string]interface{}
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, formats.ReadError(err, path, line-1).WithDetail("line", line)
			}
			if rec == nil {
				return nil, formats.ReadError(errors.New(errors.ErrorTypeSourceReadFailure, "line is not an object"), path, line-1)
			}
			return rec, nil
		}
		if err := scanner.Err(); err != nil {
			return nil, formats.ReadError(err, path, line)
		}
		return nil, io.EOF
	}, f.Close)

	return formats.Batches(rs, opts, false)
}

// Writer writes one compact JSON object per line.
type Writer struct {
	path    string
	out     *formats.Output
	enc     interface{ Encode(v interface{}) error }
	logger  *zap.Logger
	count   int64
	batches int
}

// NewWriter opens path for writing, or appending when opts.Append is set.
func NewWriter(path string, opts formats.WriteOptions) (formats.Writer, error) {
	out, err := formats.CreateOutput(path, opts.Append)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		path:   path,
		out:    out,
		enc:    json.NewEncoder(out.Writer()),
		logger: logger.With(zap.String("component", "jsonl_writer"), zap.String("path", path)),
	}, nil
}

// WriteBatch writes each record on its own line.
func (w *Writer) WriteBatch(ctx context.Context, b models.Batch) error {
	for i, rec := range b {
		if err := w.enc.Encode(rec); err != nil {
			return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to encode record").
				WithDetail(errors.DetailPath, w.path).
				WithDetail(errors.DetailBatch, w.batches).
				WithDetail(errors.DetailOffset, i)
		}
		w.count++
	}
	w.batches++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int64 { return w.count }

// Close publishes the file.
func (w *Writer) Close() error {
	if err := w.out.Commit(); err != nil {
		return err
	}
	w.logger.Info("jsonl file written", zap.Int64("records", w.count))
	return nil
}

// Abort closes the file without publishing it.
func (w *Writer) Abort() error {
	return w.out.Abort()
}
