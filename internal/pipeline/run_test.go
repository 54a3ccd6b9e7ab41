package pipeline

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/docflow/pkg/errors"
	"github.com/ajitpratap0/docflow/pkg/logger"
	"github.com/ajitpratap0/docflow/pkg/models"
	"github.com/ajitpratap0/docflow/pkg/stream"
)

func TestRunHistory(t *testing.T) {
	_, run := NewRun(context.Background(), zap.NewNop())
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StateIdle, run.State())

	for _, s := range []State{StateReading, StateReading, StateTransforming, StateWriting, StateReading, StateWriting} {
		require.NoError(t, run.Enter(s))
	}
	require.NoError(t, run.Finish("out.csv", nil))

	assert.Equal(t, StateDone, run.State())
	assert.Equal(t, []State{
		StateIdle, StateReading, StateTransforming, StateWriting, StateReading, StateWriting, StateDone,
	}, run.History())
	assert.Nil(t, run.Err())

	err := run.Enter(StateReading)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestRunLoggerCarriesContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := logger.ContextWithFile(context.Background(), "in/users.csv")
	ctx = logger.ContextWithCollection(ctx, "users")

	ctx, run := NewRun(ctx, zap.New(core))
	assert.Equal(t, run.ID, ctx.Value(logger.RunIDKey))

	run.Logger().Info("file imported")
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, run.ID, fields["run_id"])
	assert.Equal(t, "users", fields["collection"])
	assert.Equal(t, "in/users.csv", fields["file"])
}

func TestRunRejectsSkippingReading(t *testing.T) {
	_, run := NewRun(context.Background(), nil)
	err := run.Enter(StateWriting)
	require.Error(t, err)
	assert.Equal(t, StateIdle, run.State())
}

func TestRunFinishWithoutWork(t *testing.T) {
	_, run := NewRun(context.Background(), nil)
	require.NoError(t, run.Finish("", nil))
	assert.Equal(t, []State{StateIdle, StateReading, StateDone}, run.History())
}

func TestRunFirstFailureWins(t *testing.T) {
	_, run := NewRun(context.Background(), nil)
	require.NoError(t, run.Enter(StateReading))
	require.NoError(t, run.Enter(StateTransforming))

	first := run.Fail(StateTransforming, "a.csv", errors.New(errors.ErrorTypeSchemaConflict, "collision"))
	_ = run.Fail(StateWriting, "a.csv", errors.New(errors.ErrorTypePartialWriteFailure, "disk full"))

	assert.Equal(t, StateFailed, run.State())
	require.NotNil(t, run.Err())
	assert.Equal(t, StateTransforming, run.Err().Stage)
	assert.Equal(t, "a.csv", run.Err().Path)
	assert.True(t, errors.IsType(first, errors.ErrorTypeSchemaConflict))
	assert.Equal(t, []State{StateIdle, StateReading, StateTransforming, StateFailed}, run.History())

	// a RunError passed through Finish keeps its stage
	assert.Equal(t, first, run.Finish("a.csv", first))
}

func TestRunErrorMessage(t *testing.T) {
	err := &RunError{Stage: StateWriting, Path: "out.csv", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "writing out.csv: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = &RunError{Stage: StateReading, Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "reading: unexpected EOF", err.Error())
}

func TestStagedSourceAttributesReadFailures(t *testing.T) {
	_, run := NewRun(context.Background(), nil)
	calls := 0
	rs := stream.RecordFunc(func(ctx context.Context) (models.Record, error) {
		calls++
		if calls > 1 {
			return nil, errors.New(errors.ErrorTypeSourceReadFailure, "cursor died")
		}
		return models.Record{"a": int64(1)}, nil
	}, nil)
	chunks, err := stream.Chunk(rs, 1)
	require.NoError(t, err)

	src := run.Source(chunks, "users")
	b, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, b, 1)

	_, err = src.Next(context.Background())
	require.Error(t, err)
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StateReading, re.Stage)
	assert.Equal(t, "users", re.Path)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceReadFailure))
	require.NoError(t, src.Close())
}
