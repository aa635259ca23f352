package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podworker/pkg/validate"
)

func TestDirectRun(t *testing.T) {
	h := Direct(func(ctx context.Context, job *Job) (any, error) {
		return "hello " + job.ID, nil
	})
	require.Equal(t, KindDirect, h.Kind())

	out, err := h.Run(context.Background(), &Job{ID: "j1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello j1", out)
}

func TestDeferredRun(t *testing.T) {
	h := Deferred(func(ctx context.Context, job *Job) (<-chan Outcome, error) {
		ch := make(chan Outcome, 1)
		go func() { ch <- Outcome{Output: 42} }()
		return ch, nil
	})

	out, err := h.Run(context.Background(), &Job{ID: "j1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestDeferredRun_ContextCancelled(t *testing.T) {
	h := Deferred(func(ctx context.Context, job *Job) (<-chan Outcome, error) {
		return make(chan Outcome), nil // never delivers
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Run(ctx, &Job{ID: "j1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeferredRun_ClosedWithoutOutcome(t *testing.T) {
	h := Deferred(func(ctx context.Context, job *Job) (<-chan Outcome, error) {
		ch := make(chan Outcome)
		close(ch)
		return ch, nil
	})

	_, err := h.Run(context.Background(), &Job{ID: "j1"}, nil)
	require.Error(t, err)
}

func TestStreamingRun_EmitsInOrderAndReturnsLast(t *testing.T) {
	h := Streaming(func(ctx context.Context, job *Job, emit EmitFunc) error {
		for _, v := range []string{"a", "b", "c"} {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	})
	require.Equal(t, KindStreaming, h.Kind())

	var got []string
	out, err := h.Run(context.Background(), &Job{ID: "j1"}, func(partial any) error {
		got = append(got, partial.(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, "c", out)
}

func TestStreamingRun_EmitErrorStopsHandler(t *testing.T) {
	wantErr := errors.New("sink gone")
	emitted := 0

	h := Streaming(func(ctx context.Context, job *Job, emit EmitFunc) error {
		for _, v := range []string{"a", "b", "c"} {
			if err := emit(v); err != nil {
				return err
			}
			emitted++
		}
		return nil
	})

	_, err := h.Run(context.Background(), &Job{ID: "j1"}, func(any) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, emitted)
}

func TestStreamingRun_CancelBetweenYields(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	h := Streaming(func(ctx context.Context, job *Job, emit EmitFunc) error {
		if err := emit("first"); err != nil {
			return err
		}
		cancel()
		return emit("second")
	})

	_, err := h.Run(ctx, &Job{ID: "j1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithSchema(t *testing.T) {
	h := Direct(func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	assert.Nil(t, h.Schema())

	h2 := Direct(
		func(ctx context.Context, job *Job) (any, error) { return nil, nil },
		WithSchema(validate.Schema{"number": {Type: validate.Int, Required: true}}),
	)
	assert.Contains(t, h2.Schema(), "number")
}

func TestZeroHandlerNotRunnable(t *testing.T) {
	var h Handler
	assert.False(t, h.Registered())

	_, err := h.Run(context.Background(), &Job{ID: "j1"}, nil)
	require.Error(t, err)
}
