package pipeline

import (
	"context"

	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/metrics"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// countRead counts the records of every batch pulled from src.
func countRead(src stream.BatchStream, format, direction string) stream.BatchStream {
	return &countingSource{src: src, format: format, direction: direction}
}

type countingSource struct {
	src       stream.BatchStream
	format    string
	direction string
}

func (c *countingSource) Next(ctx context.Context) (models.Batch, error) {
	b, err := c.src.Next(ctx)
	if err == nil {
		metrics.RecordsRead.WithLabelValues(c.format, c.direction).Add(float64(len(b)))
	}
	return b, err
}

func (c *countingSource) Close() error { return c.src.Close() }

// countWritten records batch and record counters for every batch w accepts.
func countWritten(w formats.Writer, format, direction string) formats.Writer {
	return &countingWriter{Writer: w, format: format, direction: direction}
}

type countingWriter struct {
	formats.Writer
	format    string
	direction string
}

func (c *countingWriter) WriteBatch(ctx context.Context, b models.Batch) error {
	if err := c.Writer.WriteBatch(ctx, b); err != nil {
		return err
	}
	metrics.RecordsWritten.WithLabelValues(c.format, c.direction).Add(float64(len(b)))
	metrics.BatchesProcessed.WithLabelValues(c.direction).Inc()
	metrics.BatchSize.WithLabelValues(c.direction).Observe(float64(len(b)))
	return nil
}
