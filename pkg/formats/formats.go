// Package formats defines the file format contract shared by every reader
// and writer, plus the registry the pipeline resolves formats from.
//
// Each format lives in its own subpackage (json, jsonl, csv, parquet, avro)
// and registers itself from init(), so importing a subpackage for side
// effects is enough to make it available:
//
//	import _ "github.com/ajitpratap0/docflow/pkg/formats/csv"
//
// Readers stream-parse a file into bounded batches. Writers append batches
// to a single artifact and only make it visible under its final name when
// Close succeeds.
package formats

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/config"
	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
	"github.com/ajitpratap0/docflow/pkg/transform"
)

// ReadOptions controls how a file is parsed into batches.
type ReadOptions struct {
	// ChunkSize is the maximum batch length
	ChunkSize int
	// Denormalize rebuilds nested records from flat columns (tabular formats)
	Denormalize bool
	// Shape carries the separator, depth and JSON decoding settings
	Shape transform.Options
	// Delimiter separates fields in delimited text
	Delimiter rune
	// InferTypes converts delimited text cells to typed values
	InferTypes bool
	// KeepID keeps the _id field instead of stripping it
	KeepID bool
	// Workers is the number of batches denormalized concurrently
	Workers int
}

// WriteOptions controls how batches are written to a file.
type WriteOptions struct {
	// Delimiter separates fields in delimited text
	Delimiter rune
	// SchemaDrift is config.SchemaDriftFail or config.SchemaDriftDrop
	SchemaDrift string
	// Append adds to an existing file instead of replacing it
	Append bool
	// Logger receives drift warnings; nil means no logging
	Logger *zap.Logger
}

// Reader opens a file as a lazy stream of batches.
type Reader interface {
	Read(ctx context.Context, path string, opts ReadOptions) (stream.BatchStream, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, path string, opts ReadOptions) (stream.BatchStream, error)

// Read implements Reader.
func (f ReaderFunc) Read(ctx context.Context, path string, opts ReadOptions) (stream.BatchStream, error) {
	return f(ctx, path, opts)
}

// Writer appends batches to one artifact.
//
// Close finalizes the artifact and must be called exactly once after the
// last batch. Abort releases the file without finalizing it; the partially
// written data stays under a name that marks it incomplete, and an append is
// rolled back to the file's previous contents.
type Writer interface {
	WriteBatch(ctx context.Context, b models.Batch) error
	Count() int64
	Close() error
	Abort() error
}

// WriterFactory creates a writer for path.
type WriterFactory func(path string, opts WriteOptions) (Writer, error)

// Format binds a tag and its file suffixes to a reader and a writer factory.
type Format struct {
	// Name is the tag used in configuration, e.g. "csv"
	Name string
	// Extensions are the file suffixes, with the dot, e.g. ".csv"
	Extensions []string
	// Tabular formats hold one flat row per record
	Tabular bool
	// Appendable formats accept WriteOptions.Append
	Appendable bool
	Reader     Reader
	NewWriter  WriterFactory
}

// Extension returns the primary suffix of the format.
func (f *Format) Extension() string {
	if len(f.Extensions) == 0 {
		return "." + f.Name
	}
	return f.Extensions[0]
}

// Create validates opts against the format and opens a writer.
func (f *Format) Create(path string, opts WriteOptions) (Writer, error) {
	if opts.Append && !f.Appendable {
		return nil, errors.Newf(errors.ErrorTypeInvalidConfiguration, "format %s does not support append", f.Name).
			WithDetail(errors.DetailFormat, f.Name).
			WithDetail(errors.DetailPath, path)
	}
	if opts.SchemaDrift == "" {
		opts.SchemaDrift = config.SchemaDriftFail
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return f.NewWriter(path, opts)
}

// Open validates opts and opens a batch stream over path.
func (f *Format) Open(ctx context.Context, path string, opts ReadOptions) (stream.BatchStream, error) {
	if opts.ChunkSize <= 0 {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "chunk size must be positive").
			WithDetail("chunk_size", opts.ChunkSize)
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	return f.Reader.Read(ctx, path, opts)
}

// WriteAll drives w with every batch of src and finalizes it. On any
// failure the writer is aborted, so the artifact is never left looking
// complete. src is closed in every case.
func WriteAll(ctx context.Context, w Writer, src stream.BatchStream) (int64, error) {
	defer src.Close()
	for {
		if err := ctx.Err(); err != nil {
			_ = w.Abort()
			return w.Count(), errors.Wrap(err, errors.ErrorTypeCanceled, "write canceled")
		}
		b, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = w.Abort()
			return w.Count(), err
		}
		if err := w.WriteBatch(ctx, b); err != nil {
			_ = w.Abort()
			return w.Count(), err
		}
	}
	if err := w.Close(); err != nil {
		return w.Count(), err
	}
	return w.Count(), nil
}

// Batches chunks a reader's record stream and applies the read-side shaping:
// denormalize for tabular formats when requested, then _id removal.
func Batches(rs stream.RecordStream, opts ReadOptions, tabular bool) (stream.BatchStream, error) {
	chunks, err := stream.Chunk(rs, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	denormalize := tabular && opts.Denormalize
	if !denormalize && opts.KeepID {
		return chunks, nil
	}
	return stream.Map(chunks, opts.Workers, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
		if denormalize {
			out, err := transform.Denormalize(b, opts.Shape)
			if err != nil {
				return nil, errors.Wrap(err, errors.TypeOf(err), "denormalize failed").
					WithDetail(errors.DetailBatch, index)
			}
			b = out
		}
		if !opts.KeepID {
			models.StripID(b)
		}
		return b, nil
	}), nil
}
