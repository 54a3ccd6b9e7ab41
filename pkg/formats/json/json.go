// Package json reads and writes files holding one JSON array of records.
package json

import (
	"bufio"
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
const Name = "json"

func init() {
	formats.MustRegister(formats.Format{
		Name:       Name,
		Extensions: []string{".json"},
		Reader:     formats.ReaderFunc(Read),
		NewWriter:  NewWriter,
	})
}

// Read streams the elements of a top-level JSON array. A file holding a
// single object yields one record; an empty file yields none.
func Read(ctx context.Context, path string, opts formats.ReadOptions) (stream.BatchStream, error) {
	f, err := formats.OpenInput(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(f, 256*1024)
	first, err := firstByte(br)
	if err == io.EOF {
		_ = f.Close()
		return stream.FromBatches(), nil
	}
	if err != nil {
		_ = f.Close()
		return nil, formats.ReadError(err, path, 0)
	}

	dec := json.NewDecoder(br)
	var offset int64
	single := false

	switch first {
	case '[':
		token, err := dec.Token()
		if err != nil {
			_ = f.Close()
			return nil, formats.ReadError(err, path, 0)
		}
		if delim, ok := token.(json.Delim); !ok || delim != '[' {
			_ = f.Close()
			return nil, formats.ReadError(errors.New(errors.ErrorTypeSourceReadFailure, "expected JSON array"), path, 0)
		}
	case '{':
		single = true
	default:
		_ = f.Close()
		return nil, formats.ReadError(errors.Newf(errors.ErrorTypeSourceReadFailure, "unexpected %q at start of file", first), path, 0)
	}

	done := false
	rs := stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		if done {
			return nil, io.EOF
		}
		if single {
			done = true
		} else if !dec.More() {
			done = true
			if _, err := dec.Token(); err != nil {
				return nil, formats.ReadError(err, path, offset)
			}
			return nil, io.EOF
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, formats.ReadError(err, path, offset)
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, formats.ReadError(err, path, offset)
		}
		if rec == nil {
			return nil, formats.ReadError(errors.New(errors.ErrorTypeSourceReadFailure, "array element is not an object"), path, offset)
		}
		offset++
		return rec, nil
	}, f.Close)

	return formats.Batches(rs, opts, false)
}

// firstByte returns the first non-whitespace byte without consuming it.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF: // UTF-8 byte order mark
			if _, err := br.Discard(2); err != nil {
				return 0, err
			}
			continue
		}
		return b, br.UnreadByte()
	}
}

// Writer writes all batches into one JSON array.
type Writer struct {
	path    string
	out     *formats.Output
	enc     *json.ArrayEncoder
	logger  *zap.Logger
	batches int
}

// NewWriter opens path for writing.
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
		path:   path,
		out:    out,
		enc:    json.NewArrayEncoder(out.Writer()),
		logger: logger.With(zap.String("component", "json_writer"), zap.String("path", path)),
	}, nil
}

// WriteBatch appends the batch's records as array elements.
func (w *Writer) WriteBatch(ctx context.Context, b models.Batch) error {
	for i, rec := range b {
		if err := w.enc.Encode(rec); err != nil {
			return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to encode record").
				WithDetail(errors.DetailPath, w.path).
				WithDetail(errors.DetailBatch, w.batches).
				WithDetail(errors.DetailOffset, i)
		}
	}
	w.batches++
	w.logger.Debug("batch written", zap.Int("batch", w.batches-1), zap.Int("records", len(b)))
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int64 { return w.enc.Count() }

// Close terminates the array and publishes the file.
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		_ = w.out.Abort()
		return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, "failed to close JSON array").
			WithDetail(errors.DetailPath, w.path)
	}
	if err := w.out.Commit(); err != nil {
		return err
	}
	w.logger.Info("json file written", zap.Int64("records", w.Count()))
	return nil
}

// Abort closes the file without terminating the array or publishing it.
func (w *Writer) Abort() error {
	return w.out.Abort()
}
