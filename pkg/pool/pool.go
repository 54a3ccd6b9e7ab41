// Package pool provides typed object pooling for docflow's hot paths:
// encode buffers, CSV row slices and per-batch scratch maps.
//
// Example usage:
//
//	row := pool.GetStringSlice(len(columns))
//	defer pool.PutStringSlice(row)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and an optional reset
// function. The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// reset is called before an object goes back into the pool and may be nil.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get retrieves an object from the pool, allocating one if the pool is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	atomic.AddInt64(&p.stats.gets, 1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the number of objects allocated, currently checked out, and
// the total number of Get calls. Gets minus allocated is the reuse count.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.gets)
}

const maxPooledBuffer = 1 << 20

var (
	bufferPool = New(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4096)) },
		func(b *bytes.Buffer) { b.Reset() },
	)
	stringSlicePool = New(
		func() *[]string { s := make([]string, 0, 64); return &s },
		func(s *[]string) { *s = (*s)[:0] },
	)
)

// GetBuffer gets an empty pooled buffer.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get()
}

// PutBuffer returns a buffer to the pool. Very large buffers are dropped.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(b)
}

// GetStringSlice returns a pooled slice of length n with empty elements.
func GetStringSlice(n int) []string {
	sp := stringSlicePool.Get()
	s := *sp
	if cap(s) < n {
		s = make([]string, n)
	} else {
		s = s[:n]
		for i := range s {
			s[i] = ""
		}
	}
	return s
}

// PutStringSlice returns a slice obtained from GetStringSlice.
func PutStringSlice(s []string) {
	if s == nil {
		return
	}
	stringSlicePool.Put(&s)
}
