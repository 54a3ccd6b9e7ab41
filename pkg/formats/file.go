package formats

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

// PartialSuffix marks a file that is still being written or whose run failed.
const PartialSuffix = ".partial"

const outputBufferSize = 256 * 1024

// Output is an exclusively owned destination file. In replace mode it writes
// to path+PartialSuffix and renames over path on Commit. In append mode it
// writes to path directly, and Abort truncates path back to its size at open
// (removing it when the open created it).
type Output struct {
	path     string
	tmp      string
	file     *os.File
	buf      *bufio.Writer
	existing int64
	created  bool
	done     bool
}

// CreateOutput creates missing parent directories and opens the destination.
func CreateOutput(path string, appendMode bool) (*Output, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to create output directory").
			WithDetail(errors.DetailPath, dir)
	}

	o := &Output{path: path}
	var err error
	if appendMode {
		_, statErr := os.Stat(path)
		o.created = os.IsNotExist(statErr)
		o.file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // operator-supplied path
		if err == nil {
			var info os.FileInfo
			if info, err = o.file.Stat(); err == nil {
				o.existing = info.Size()
			}
		}
	} else {
		o.tmp = path + PartialSuffix
		o.file, err = os.Create(o.tmp) //nolint:gosec // operator-supplied path
	}
	if err != nil {
		if o.file != nil {
			_ = o.file.Close()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidConfiguration, "failed to open output file").
			WithDetail(errors.DetailPath, path)
	}

	o.buf = bufio.NewWriterSize(o.file, outputBufferSize)
	return o, nil
}

// Writer returns the buffered writer for the file.
func (o *Output) Writer() io.Writer { return o.buf }

// File returns the underlying file, for encoders that need io.WriteSeeker.
// Callers must Flush before using it directly.
func (o *Output) File() *os.File { return o.file }

// Flush writes buffered data to the file.
func (o *Output) Flush() error { return o.buf.Flush() }

// Path returns the final destination path.
func (o *Output) Path() string { return o.path }

// ExistingSize is the file size before an append-mode open, otherwise 0.
func (o *Output) ExistingSize() int64 { return o.existing }

// Commit flushes, closes and publishes the file under its final name.
func (o *Output) Commit() error {
	if o.done {
		return nil
	}
	o.done = true

	if err := o.buf.Flush(); err != nil {
		_ = o.file.Close()
		return o.writeErr(err, "failed to flush output")
	}
	if err := o.file.Sync(); err != nil {
		_ = o.file.Close()
		return o.writeErr(err, "failed to sync output")
	}
	if err := o.file.Close(); err != nil {
		return o.writeErr(err, "failed to close output")
	}
	if o.tmp != "" {
		if err := os.Rename(o.tmp, o.path); err != nil {
			return o.writeErr(err, "failed to publish output")
		}
	}
	return nil
}

// Abort closes the file without publishing it. A replace-mode file is left
// behind under its partial name; an append is rolled back.
func (o *Output) Abort() error {
	if o.done {
		return nil
	}
	o.done = true
	if o.tmp != "" {
		_ = o.buf.Flush()
		return o.file.Close()
	}

	o.buf.Reset(io.Discard)
	err := o.file.Truncate(o.existing)
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	if err == nil && o.created {
		err = os.Remove(o.path)
	}
	if err != nil {
		return o.writeErr(err, "failed to roll back appended output")
	}
	return nil
}

func (o *Output) writeErr(err error, msg string) error {
	return errors.Wrap(err, errors.ErrorTypePartialWriteFailure, msg).
		WithDetail(errors.DetailPath, o.path)
}

// OpenInput opens a file for reading. A missing file is SourceNotFound.
func OpenInput(path string) (*os.File, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceNotFound, "input file does not exist").
				WithDetail(errors.DetailPath, path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "failed to open input file").
			WithDetail(errors.DetailPath, path)
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		_ = f.Close()
		return nil, errors.New(errors.ErrorTypeSourceReadFailure, "input path is a directory").
			WithDetail(errors.DetailPath, path)
	}
	return f, nil
}

// ReadError wraps a parse failure with the file and record position.
func ReadError(err error, path string, offset int64) *errors.Error {
	return errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "failed to parse record").
		WithDetail(errors.DetailPath, path).
		WithDetail(errors.DetailOffset, offset)
}
