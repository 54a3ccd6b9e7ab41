package stream

import (
	"context"
	"io"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
)

// ChunkedStream groups a RecordStream into batches of at most size records.
// It pulls lazily: each Next reads no more than one batch from the source.
type ChunkedStream struct {
	src     RecordStream
	size    int
	batches int
	records int64
	done    bool
	err     error
}

// Chunk returns a ChunkedStream over src. size must be positive.
func Chunk(src RecordStream, size int) (*ChunkedStream, error) {
	if size <= 0 {
		return nil, errors.New(errors.ErrorTypeInvalidConfiguration, "chunk size must be positive").
			WithDetail("chunk_size", size)
	}
	return &ChunkedStream{src: src, size: size}, nil
}

// Next returns the next batch, or io.EOF once the source is exhausted. A
// source failure discards the partial batch, closes the source and is
// returned from every later call.
func (c *ChunkedStream) Next(ctx context.Context) (models.Batch, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(errors.Wrap(err, errors.ErrorTypeCanceled, "run canceled between chunks").
			WithDetail(errors.DetailBatch, c.batches))
	}

	batch := make(models.Batch, 0, c.size)
	for len(batch) < c.size {
		r, err := c.src.Next(ctx)
		if err == io.EOF {
			c.done = true
			_ = c.src.Close()
			break
		}
		if err != nil {
			return nil, c.fail(c.wrapSourceErr(err, int64(len(batch))))
		}
		batch = append(batch, r)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	c.batches++
	c.records += int64(len(batch))
	return batch, nil
}

// Close releases the source. It is safe to call after exhaustion.
func (c *ChunkedStream) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.src.Close()
}

// Batches returns the number of batches yielded so far.
func (c *ChunkedStream) Batches() int { return c.batches }

// Records returns the number of records yielded so far.
func (c *ChunkedStream) Records() int64 { return c.records }

func (c *ChunkedStream) fail(err error) error {
	c.err = err
	if !c.done {
		c.done = true
		_ = c.src.Close()
	}
	return err
}

func (c *ChunkedStream) wrapSourceErr(err error, inBatch int64) error {
	offset := c.records + inBatch
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeCanceled, "run canceled while reading").
			WithDetail(errors.DetailOffset, offset)
	case errors.IsType(err, errors.ErrorTypeSourceReadFailure):
		return errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "source failed mid-chunk").
			WithDetail(errors.DetailBatch, c.batches)
	default:
		return errors.Wrap(err, errors.ErrorTypeSourceReadFailure, "source failed mid-chunk").
			WithDetail(errors.DetailBatch, c.batches).
			WithDetail(errors.DetailOffset, offset)
	}
}
