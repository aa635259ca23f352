// Package handler defines the surface exposed to handler authors: the job
// view a handler receives and the three supported execution styles.
//
// The style is fixed at registration time through one of the constructors
// (Direct, Deferred, Streaming); the runtime dispatches all three through the
// single Run operation.
package handler

import (
	"context"
	"errors"
	"fmt"

	"podworker/pkg/instrument"
	"podworker/pkg/validate"
)

// Job is the unit of work handed to a handler.
type Job struct {
	ID      string
	Input   map[string]any
	Webhook string

	// Checkpoints is the job-scoped instrumentation store. The runtime wraps
	// the whole invocation in its own span; handlers may register nested
	// checkpoints through the same API.
	Checkpoints *instrument.Checkpoints

	// Metrics collects per-job measurements. Whatever the handler leaves here
	// is merged into the measurement record the runtime attaches to the
	// result, exactly once.
	Metrics map[string]any
}

// Outcome is the single terminal result delivered by a deferred handler.
type Outcome struct {
	Output any
	Err    error
}

// EmitFunc receives each partial output of a streaming handler. It returns an
// error when the runtime wants the handler to stop early (cancellation).
type EmitFunc func(partial any) error

// DirectFunc computes the output synchronously. Blocking or CPU-bound work is
// fine here: the runtime never runs it on the path that services polling or
// heartbeats.
type DirectFunc func(ctx context.Context, job *Job) (any, error)

// DeferredFunc begins asynchronous work and returns a channel that delivers
// exactly one Outcome when the work completes.
type DeferredFunc func(ctx context.Context, job *Job) (<-chan Outcome, error)

// StreamFunc produces a finite sequence of partial outputs through emit.
// The last emitted value becomes the job's terminal output.
type StreamFunc func(ctx context.Context, job *Job, emit EmitFunc) error

// Kind tags the execution style of a registered handler.
type Kind int

const (
	KindDirect Kind = iota
	KindDeferred
	KindStreaming
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindDeferred:
		return "deferred"
	case KindStreaming:
		return "streaming"
	}
	return "unknown"
}

// Handler is a registered handler with its style and optional input schema.
// The zero value is not runnable; use one of the constructors.
type Handler struct {
	kind     Kind
	direct   DirectFunc
	deferred DeferredFunc
	stream   StreamFunc
	schema   validate.Schema
}

// Option configures a handler at registration time.
type Option func(*Handler)

// WithSchema attaches an input schema; the runtime validates job input
// against it before the handler is invoked.
func WithSchema(schema validate.Schema) Option {
	return func(h *Handler) { h.schema = schema }
}

// Direct registers a synchronous handler.
func Direct(fn DirectFunc, opts ...Option) Handler {
	h := Handler{kind: KindDirect, direct: fn}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Deferred registers an asynchronous handler.
func Deferred(fn DeferredFunc, opts ...Option) Handler {
	h := Handler{kind: KindDeferred, deferred: fn}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Streaming registers a streaming handler.
func Streaming(fn StreamFunc, opts ...Option) Handler {
	h := Handler{kind: KindStreaming, stream: fn}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Kind returns the registered execution style.
func (h Handler) Kind() Kind { return h.kind }

// Schema returns the attached input schema, nil when none was registered.
func (h Handler) Schema() validate.Schema { return h.schema }

// Registered reports whether the handler was built by a constructor.
func (h Handler) Registered() bool {
	return h.direct != nil || h.deferred != nil || h.stream != nil
}

// Run executes the handler and blocks until it produces a terminal output.
// For streaming handlers each partial output is forwarded to emit before the
// handler resumes, and the last one is returned as the terminal output.
// Run does not recover panics; the dispatcher owns that.
func (h Handler) Run(ctx context.Context, job *Job, emit EmitFunc) (any, error) {
	switch h.kind {
	case KindDirect:
		if h.direct == nil {
			return nil, errors.New("direct handler not registered")
		}
		return h.direct(ctx, job)

	case KindDeferred:
		if h.deferred == nil {
			return nil, errors.New("deferred handler not registered")
		}
		ch, err := h.deferred(ctx, job)
		if err != nil {
			return nil, err
		}
		select {
		case out, ok := <-ch:
			if !ok {
				return nil, errors.New("deferred handler closed without an outcome")
			}
			return out.Output, out.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case KindStreaming:
		if h.stream == nil {
			return nil, errors.New("streaming handler not registered")
		}
		if emit == nil {
			emit = func(any) error { return nil }
		}
		var last any
		forward := func(partial any) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			last = partial
			return emit(partial)
		}
		if err := h.stream(ctx, job, forward); err != nil {
			return nil, err
		}
		return last, nil
	}

	return nil, fmt.Errorf("unknown handler kind %d", h.kind)
}
