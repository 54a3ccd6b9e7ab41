package stream

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/models"
)

func makeRecords(n int) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.Record{"i": int64(i)}
	}
	return out
}

// trackingStream records whether it was closed and how far it was read.
type trackingStream struct {
	RecordStream
	pulled int
	closed bool
}

func (t *trackingStream) Next(ctx context.Context) (models.Record, error) {
	r, err := t.RecordStream.Next(ctx)
	if err == nil {
		t.pulled++
	}
	return r, err
}

func (t *trackingStream) Close() error {
	t.closed = true
	return t.RecordStream.Close()
}

func TestChunkRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Chunk(FromSlice(nil), size)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidConfiguration))
	}
}

func TestChunkSizes(t *testing.T) {
	tests := []struct {
		total int
		size  int
		want  []int
	}{
		{0, 5, nil},
		{1, 5, []int{1}},
		{5, 5, []int{5}},
		{6, 5, []int{5, 1}},
		{12, 5, []int{5, 5, 2}},
		{3, 1, []int{1, 1, 1}},
		{12345, 5000, []int{5000, 5000, 2345}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.total, tt.size), func(t *testing.T) {
			ctx := context.Background()
			c, err := Chunk(FromSlice(makeRecords(tt.total)), tt.size)
			require.NoError(t, err)

			var sizes []int
			next := int64(0)
			for {
				b, err := c.Next(ctx)
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				sizes = append(sizes, len(b))
				for _, r := range b {
					assert.Equal(t, next, r["i"])
					next++
				}
			}
			assert.Equal(t, tt.want, sizes)
			assert.Equal(t, int64(tt.total), c.Records())

			// exhausted streams stay exhausted
			_, err = c.Next(ctx)
			assert.Equal(t, io.EOF, err)
			assert.NoError(t, c.Close())
		})
	}
}

func TestChunkIsLazy(t *testing.T) {
	src := &trackingStream{RecordStream: FromSlice(makeRecords(100))}
	c, err := Chunk(src, 10)
	require.NoError(t, err)

	_, err = c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, src.pulled)
	assert.False(t, src.closed)

	require.NoError(t, c.Close())
	assert.True(t, src.closed)
}

func TestChunkSourceFailure(t *testing.T) {
	boom := fmt.Errorf("cursor died")
	n := 0
	src := &trackingStream{RecordStream: RecordFunc(func(ctx context.Context) (models.Record, error) {
		if n == 7 {
			return nil, boom
		}
		n++
		return models.Record{"n": n}, nil
	}, nil)}

	c, err := Chunk(src, 5)
	require.NoError(t, err)
	ctx := context.Background()

	b, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, b, 5)

	b, err = c.Next(ctx)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceReadFailure))
	assert.ErrorIs(t, err, boom)
	offset, ok := errors.DetailOf(err, errors.DetailOffset)
	require.True(t, ok)
	assert.Equal(t, int64(7), offset)
	assert.True(t, src.closed)

	_, again := c.Next(ctx)
	assert.Equal(t, err, again)
}

func TestChunkHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Chunk(FromSlice(makeRecords(10)), 4)
	require.NoError(t, err)

	_, err = c.Next(ctx)
	require.NoError(t, err)
	cancel()

	_, err = c.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
	assert.ErrorIs(t, err, context.Canceled)
}
