package stream

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/docflow/pkg/models"
)

func TestFlattenAndCollect(t *testing.T) {
	ctx := context.Background()
	src := FromBatches(
		models.Batch{{"a": 1}, {"a": 2}},
		models.Batch{},
		models.Batch{{"a": 3}},
	)
	flat := Flatten(src)

	var got []interface{}
	for {
		r, err := flat.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, r["a"])
	}
	assert.Equal(t, []interface{}{1, 2, 3}, got)
	require.NoError(t, flat.Close())

	all, err := Collect(ctx, FromBatches(models.Batch{{"x": 1}}, models.Batch{{"x": 2}}))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPeekableAndLimitSplitWithoutEmptyTail(t *testing.T) {
	ctx := context.Background()
	p := NewPeekable(FromSlice(makeRecords(10)))

	var parts []int
	for {
		more, err := p.HasNext(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
		part := Limit(p, 5)
		n := 0
		for {
			_, err := part.Next(ctx)
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			n++
		}
		require.NoError(t, part.Close())
		parts = append(parts, n)
	}
	assert.Equal(t, []int{5, 5}, parts)
	require.NoError(t, p.Close())
}

func TestMapPreservesOrder(t *testing.T) {
	ctx := context.Background()
	var batches []models.Batch
	for i := 0; i < 9; i++ {
		batches = append(batches, models.Batch{{"i": i}})
	}

	var inFlight, peak int32
	m := Map(FromBatches(batches...), 4, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		// later batches finish first
		time.Sleep(time.Duration(9-index) * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return models.Batch{{"i": b[0]["i"], "index": index}}, nil
	})

	out, err := Collect(ctx, m)
	require.NoError(t, err)
	require.Len(t, out, 9)
	for i, r := range out {
		assert.Equal(t, i, r["i"])
		assert.Equal(t, i, r["index"])
	}
	assert.LessOrEqual(t, peak, int32(4))
}

func TestMapStopsOnError(t *testing.T) {
	ctx := context.Background()
	boom := fmt.Errorf("bad batch")
	m := Map(FromBatches(models.Batch{{}}, models.Batch{{}}, models.Batch{{}}), 1,
		func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
			if index == 1 {
				return nil, boom
			}
			return b, nil
		})

	_, err := m.Next(ctx)
	require.NoError(t, err)
	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, m.Close())
}
