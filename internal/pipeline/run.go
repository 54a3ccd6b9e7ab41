// Package pipeline wires sources, the chunker, the shape transformer and
// writers into export and import runs.
//
// # Overview
//
// A run moves records one way:
//   - Export: document collection (or any record stream) → one file, or a
//     numbered family of files when a file size cap is configured
//   - Import: one file, or every matching file of a directory → collections
//
// Records are pulled lazily and held at most one chunk at a time per stage.
// Tabular targets get flattened records on export; tabular sources are
// rebuilt into nested records on import.
//
// # Run states
//
// Each run walks Idle → Reading → Transforming → Writing → Done, cycling
// through the middle states once per chunk. Any failure moves it to Failed
// and surfaces as a *RunError naming the stage and the file involved.
//
// # Basic Usage
//
//	exporter, err := pipeline.NewExporter(cfg, store, pipeline.WithLogger(logger))
//	result, err := exporter.Export(ctx, pipeline.ExportRequest{
//	    Collection: "users",
//	    Path:       "out/users.csv",
//	})
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/formats"
	"github.com/ajitpratap0/docflow/pkg/logger"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/observability"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

// State is the lifecycle position of a run.
type State int

const (
	StateIdle State = iota
	StateReading
	StateTransforming
	StateWriting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateTransforming:
		return "transforming"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// canTransition encodes the run state machine. The working states may
// follow each other in any order since chunks interleave them.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateReading || to == StateFailed
	case StateReading, StateTransforming, StateWriting:
		return to != StateIdle
	default:
		return false
	}
}

// RunError reports the stage a run failed in and the file it was handling.
type RunError struct {
	Stage State
	Path  string
	Err   error
}

func (e *RunError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Run tracks one pipeline run. It is safe for concurrent use by the
// stage wrappers.
type Run struct {
	ID     string
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	history []State
	err     *RunError
}

// NewRun starts a run in StateIdle with a fresh id. The returned context
// carries the id, and the run's logger is tagged with it along with the
// collection and file already stored on ctx.
func NewRun(ctx context.Context, base *zap.Logger) (context.Context, *Run) {
	if base == nil {
		base = zap.NewNop()
	}
	id := uuid.NewString()
	ctx = logger.ContextWithRunID(ctx, id)
	return ctx, &Run{
		ID:      id,
		logger:  logger.WithContext(ctx, base),
		history: []State{StateIdle},
	}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns the states entered so far, without consecutive repeats.
func (r *Run) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.history...)
}

// Err returns the failure that ended the run, or nil.
func (r *Run) Err() *RunError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Logger returns the run's logger, tagged with its id.
func (r *Run) Logger() *zap.Logger { return r.logger }

// Enter moves the run to s. Entering the current state is a no-op.
func (r *Run) Enter(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enterLocked(s)
}

func (r *Run) enterLocked(s State) error {
	if r.state == s {
		return nil
	}
	if !canTransition(r.state, s) {
		return errors.Newf(errors.ErrorTypeInternal, "invalid run transition %s -> %s", r.state, s)
	}
	r.state = s
	r.history = append(r.history, s)
	return nil
}

// Fail moves the run to StateFailed and returns err as a *RunError for stage.
// An err that already is a *RunError keeps its stage and path. Only the
// first failure is recorded.
func (r *Run) Fail(stage State, path string, err error) error {
	var re *RunError
	if !errors.As(err, &re) {
		re = &RunError{Stage: stage, Path: path, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = re
		if !r.state.Terminal() {
			r.state = StateFailed
			r.history = append(r.history, StateFailed)
		}
	}
	return re
}

// Finish ends the run: Done when err is nil, Failed otherwise. The failure
// is attributed to the stage the run was in.
func (r *Run) Finish(path string, err error) error {
	if err != nil {
		return r.Fail(r.State(), path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		r.history = append(r.history, StateReading)
		r.state = StateReading
	}
	if err := r.enterLocked(StateDone); err != nil {
		return err
	}
	return nil
}

// Source wraps src so pulling a batch marks the Reading stage and read
// failures are attributed to it.
func (r *Run) Source(src stream.BatchStream, path string) stream.BatchStream {
	return &stagedSource{run: r, src: src, path: path}
}

type stagedSource struct {
	run  *Run
	src  stream.BatchStream
	path string
}

func (s *stagedSource) Next(ctx context.Context) (models.Batch, error) {
	if err := s.run.Enter(StateReading); err != nil {
		return nil, err
	}
	b, err := s.src.Next(ctx)
	if err != nil && err != io.EOF {
		return nil, s.run.Fail(StateReading, s.path, err)
	}
	return b, err
}

func (s *stagedSource) Close() error { return s.src.Close() }

// Transform applies fn to every batch of src with up to workers batches in
// flight, marking the Transforming stage.
func (r *Run) Transform(src stream.BatchStream, workers int, path string, fn stream.BatchFunc) stream.BatchStream {
	return stream.Map(src, workers, func(ctx context.Context, index int, b models.Batch) (models.Batch, error) {
		if err := r.Enter(StateTransforming); err != nil {
			return nil, err
		}
		out, err := fn(ctx, index, b)
		if err != nil {
			return nil, r.Fail(StateTransforming, path, err)
		}
		return out, nil
	})
}

// Writer wraps w so writes mark the Writing stage and failures are
// attributed to it. Every batch is reported to span when it is not nil.
func (r *Run) Writer(w formats.Writer, path string, span *observability.Span) formats.Writer {
	return &stagedWriter{run: r, w: w, path: path, span: span}
}

type stagedWriter struct {
	run     *Run
	w       formats.Writer
	path    string
	span    *observability.Span
	batches int
}

func (s *stagedWriter) WriteBatch(ctx context.Context, b models.Batch) error {
	if err := s.run.Enter(StateWriting); err != nil {
		return err
	}
	if err := s.w.WriteBatch(ctx, b); err != nil {
		return s.run.Fail(StateWriting, s.path, err)
	}
	if s.span != nil {
		s.span.BatchEvent(s.batches, len(b))
	}
	s.run.logger.Debug("batch written",
		zap.String("path", s.path),
		zap.Int("batch", s.batches),
		zap.Int("records", len(b)))
	s.batches++
	return nil
}

func (s *stagedWriter) Count() int64 { return s.w.Count() }

func (s *stagedWriter) Close() error {
	if err := s.run.Enter(StateWriting); err != nil {
		return err
	}
	if err := s.w.Close(); err != nil {
		return s.run.Fail(StateWriting, s.path, err)
	}
	return nil
}

func (s *stagedWriter) Abort() error { return s.w.Abort() }
