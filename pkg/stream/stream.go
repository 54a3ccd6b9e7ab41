// Package stream defines the pull-based iterators records travel through
// and the Chunker that turns a record stream into bounded batches.
//
// Streams are single-pass. Next returns io.EOF once exhausted and keeps
// returning it; Close releases the underlying cursor or file and is safe to
// call more than once. A stream is owned by whichever stage consumes it.
package stream

import (
	"context"
	"io"

	"github.com/ajitpratap0/docflow/pkg/models"
)

// RecordStream yields records one at a time.
type RecordStream interface {
	Next(ctx context.Context) (models.Record, error)
	Close() error
}

// BatchStream yields batches of at most one chunk.
type BatchStream interface {
	Next(ctx context.Context) (models.Batch, error)
	Close() error
}

// RecordFunc adapts a function to RecordStream. closeFn may be nil.
func RecordFunc(next func(ctx context.Context) (models.Record, error), closeFn func() error) RecordStream {
	return &funcRecordStream{next: next, close: closeFn}
}

type funcRecordStream struct {
	next   func(ctx context.Context) (models.Record, error)
	close  func() error
	closed bool
}

func (f *funcRecordStream) Next(ctx context.Context) (models.Record, error) {
	if f.closed {
		return nil, io.EOF
	}
	return f.next(ctx)
}

func (f *funcRecordStream) Close() error {
	if f.closed || f.close == nil {
		f.closed = true
		return nil
	}
	f.closed = true
	return f.close()
}

// FromSlice streams records from memory.
func FromSlice(records []models.Record) RecordStream {
	i := 0
	return RecordFunc(func(ctx context.Context) (models.Record, error) {
		if i >= len(records) {
			return nil, io.EOF
		}
		r := records[i]
		i++
		return r, nil
	}, nil)
}

// FromBatches streams the given batches in order.
func FromBatches(batches ...models.Batch) BatchStream {
	return &sliceBatchStream{batches: batches}
}

type sliceBatchStream struct {
	batches []models.Batch
	i       int
}

func (s *sliceBatchStream) Next(ctx context.Context) (models.Batch, error) {
	if s.i >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.i]
	s.i++
	return b, nil
}

func (s *sliceBatchStream) Close() error {
	s.i = len(s.batches)
	return nil
}

// Flatten turns a batch stream back into a record stream. Closing the result
// closes src.
func Flatten(src BatchStream) RecordStream {
	var (
		cur models.Batch
		pos int
	)
	return RecordFunc(func(ctx context.Context) (models.Record, error) {
		for pos >= len(cur) {
			b, err := src.Next(ctx)
			if err != nil {
				return nil, err
			}
			cur, pos = b, 0
		}
		r := cur[pos]
		pos++
		return r, nil
	}, src.Close)
}

// Collect drains src into one batch and closes it.
func Collect(ctx context.Context, src BatchStream) (models.Batch, error) {
	defer src.Close()
	var out models.Batch
	for {
		b, err := src.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b...)
	}
}

// Peekable wraps a RecordStream with one record of lookahead.
type Peekable struct {
	src     RecordStream
	head    models.Record
	hasHead bool
	err     error
}

// NewPeekable wraps src.
func NewPeekable(src RecordStream) *Peekable {
	return &Peekable{src: src}
}

// HasNext reports whether another record is available without consuming it.
func (p *Peekable) HasNext(ctx context.Context) (bool, error) {
	if p.hasHead {
		return true, nil
	}
	if p.err != nil {
		if p.err == io.EOF {
			return false, nil
		}
		return false, p.err
	}
	r, err := p.src.Next(ctx)
	if err != nil {
		p.err = err
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	p.head, p.hasHead = r, true
	return true, nil
}

// Next implements RecordStream.
func (p *Peekable) Next(ctx context.Context) (models.Record, error) {
	if p.hasHead {
		p.hasHead = false
		r := p.head
		p.head = nil
		return r, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	r, err := p.src.Next(ctx)
	if err != nil {
		p.err = err
	}
	return r, err
}

// Close implements RecordStream.
func (p *Peekable) Close() error {
	p.hasHead = false
	return p.src.Close()
}

// Limit yields at most n records from src. Closing the limited stream does
// not close src, so consecutive limits can cut one stream into parts.
func Limit(src RecordStream, n int64) RecordStream {
	var taken int64
	return RecordFunc(func(ctx context.Context) (models.Record, error) {
		if taken >= n {
			return nil, io.EOF
		}
		r, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		taken++
		return r, nil
	}, nil)
}
