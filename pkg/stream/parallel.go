package stream

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/docflow/pkg/models"
)

// BatchFunc transforms one batch. index is the batch's position in the source.
type BatchFunc func(ctx context.Context, index int, b models.Batch) (models.Batch, error)

// Map applies fn to every batch of src. With workers > 1 up to workers
// batches are transformed concurrently; output order always matches src.
// Closing the result closes src.
func Map(src BatchStream, workers int, fn BatchFunc) BatchStream {
	if workers < 1 {
		workers = 1
	}
	return &mapStream{src: src, workers: workers, fn: fn}
}

type mapStream struct {
	src     BatchStream
	workers int
	fn      BatchFunc
	next    int
	ready   []models.Batch
	err     error
}

func (m *mapStream) Next(ctx context.Context) (models.Batch, error) {
	if len(m.ready) > 0 {
		b := m.ready[0]
		m.ready = m.ready[1:]
		return b, nil
	}
	if m.err != nil {
		return nil, m.err
	}

	if m.workers == 1 {
		b, err := m.src.Next(ctx)
		if err != nil {
			m.err = err
			return nil, err
		}
		out, err := m.fn(ctx, m.next, b)
		m.next++
		if err != nil {
			m.err = err
			return nil, err
		}
		return out, nil
	}

	// Pull a window of batches, then transform it concurrently.
	var window []models.Batch
	for len(window) < m.workers {
		b, err := m.src.Next(ctx)
		if err != nil {
			m.err = err
			break
		}
		window = append(window, b)
	}
	if len(window) == 0 {
		return nil, m.err
	}

	results := make([]models.Batch, len(window))
	group, gctx := errgroup.WithContext(ctx)
	base := m.next
	for i, b := range window {
		i, b := i, b
		group.Go(func() error {
			out, err := m.fn(gctx, base+i, b)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	m.next += len(window)
	if err := group.Wait(); err != nil {
		m.err = err
		return nil, err
	}

	m.ready = results[1:]
	return results[0], nil
}

func (m *mapStream) Close() error {
	m.ready = nil
	return m.src.Close()
}
