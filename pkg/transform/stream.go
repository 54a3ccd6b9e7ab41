package transform

import (
	"context"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// NormalizeStream flattens each batch of src, transforming up to workers
// batches concurrently while keeping their order.
func NormalizeStream(src stream.BatchStream, opts Options, workers int) stream.BatchStream {
	return stream.Map(src, workers, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
		rows, err := Normalize(b, opts)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "normalize failed").
				WithDetail(errors.DetailBatch, index)
		}
		return rows, nil
	})
}

// DenormalizeStream rebuilds nested records for each batch of src.
func DenormalizeStream(src stream.BatchStream, opts Options, workers int) stream.BatchStream {
	return stream.Map(src, workers, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
		out, err := Denormalize(b, opts)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "denormalize failed").
				WithDetail(errors.DetailBatch, index)
		}
		return out, nil
	})
}
