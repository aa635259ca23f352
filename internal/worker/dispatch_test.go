package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"podworker/internal/state"
	"podworker/pkg/api"
	"podworker/pkg/handler"
	"podworker/pkg/validate"
)

// newTestAgent builds an agent with a registered job ready to execute.
func newTestAgent(t *testing.T, plane *mockPlane, h handler.Handler, cfg AgentConfig) (*Agent, api.Job) {
	t.Helper()
	agent := New(plane, h, cfg, testLogger())
	job := api.Job{ID: "job-1", Input: map[string]any{"number": float64(4)}}
	if err := agent.store.Create(job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return agent, job
}

func TestExecute_DirectSuccess(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		return map[string]any{"doubled": job.Input["number"].(float64) * 2}, nil
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, stop := agent.execute(context.Background(), job)

	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if stop {
		t.Error("unexpected stop request")
	}
	out := st.Output.(map[string]any)
	if out["doubled"] != float64(8) {
		t.Errorf("expected doubled=8, got %v", out["doubled"])
	}
	if st.StartedAt == nil || st.FinishedAt == nil {
		t.Error("expected start and finish timestamps to be stamped")
	}
	// The runtime records its own span around the handler.
	if len(st.Checkpoints) != 1 || st.Checkpoints[0].Name != "handler" {
		t.Errorf("expected a single handler checkpoint, got %v", st.Checkpoints)
	}
}

func TestExecute_ValidationFailureSkipsHandler(t *testing.T) {
	invoked := false
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		invoked = true
		return nil, nil
	}, handler.WithSchema(validate.Schema{
		"number": {Type: validate.Int, Required: true},
		"label":  {Type: validate.String, Required: true},
	}))
	agent, _ := newTestAgent(t, &mockPlane{}, h, AgentConfig{WorkerID: "w-1"})
	job := api.Job{ID: "job-bad", Input: map[string]any{"number": "x", "extra": true}}
	if err := agent.store.Create(job); err != nil {
		t.Fatal(err)
	}

	st, _ := agent.execute(context.Background(), job)

	if invoked {
		t.Error("handler must not run on invalid input")
	}
	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error == nil || st.Error.Kind != api.ErrorKindValidation {
		t.Fatalf("expected validation error, got %+v", st.Error)
	}
	// All violations in one pass: unexpected field, missing field, bad type.
	if len(st.Error.Violations) != 3 {
		t.Errorf("expected 3 violations, got %v", st.Error.Violations)
	}
	if st.Error.WorkerID != "w-1" {
		t.Errorf("expected worker ID on error payload, got %q", st.Error.WorkerID)
	}
}

func TestExecute_DefaultsApplied(t *testing.T) {
	var seen any
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		seen = job.Input["mode"]
		return "ok", nil
	}, handler.WithSchema(validate.Schema{
		"number": {Type: validate.Int, Required: true},
		"mode":   {Type: validate.String, Default: "fast"},
	}))
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if seen != "fast" {
		t.Errorf("expected default mode=fast, got %v", seen)
	}
}

func TestExecute_HandlerError(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		return nil, errors.New("model load failed")
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{WorkerID: "w-1"})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error == nil || st.Error.Kind != api.ErrorKindHandler {
		t.Fatalf("expected handler error, got %+v", st.Error)
	}
	if st.Error.Message != "model load failed" {
		t.Errorf("unexpected message %q", st.Error.Message)
	}
}

func TestExecute_HandlerPanicIsContained(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		panic("index out of range")
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error == nil || !strings.Contains(st.Error.Message, "handler panic") {
		t.Errorf("expected panic to surface in the error, got %+v", st.Error)
	}
}

func TestExecute_TimeoutDetachesHandler(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		// Ignores cancellation on purpose.
		<-block
		return "late", nil
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{ExecutionTimeoutSeconds: 1})

	start := time.Now()
	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", st.Status)
	}
	if st.Error == nil || st.Error.Kind != api.ErrorKindTimeout {
		t.Fatalf("expected timeout error, got %+v", st.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("execute did not detach promptly, took %v", elapsed)
	}
}

func TestExecute_CooperativeTimeout(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{ExecutionTimeoutSeconds: 1})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", st.Status)
	}
}

func TestExecute_DeferredHandler(t *testing.T) {
	h := handler.Deferred(func(ctx context.Context, job *handler.Job) (<-chan handler.Outcome, error) {
		ch := make(chan handler.Outcome, 1)
		go func() {
			ch <- handler.Outcome{Output: "deferred done"}
		}()
		return ch, nil
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if st.Output != "deferred done" {
		t.Errorf("unexpected output %v", st.Output)
	}
}

func TestExecute_StreamingProgressOrder(t *testing.T) {
	h := handler.Streaming(func(ctx context.Context, job *handler.Job, emit handler.EmitFunc) error {
		for _, part := range []string{"a", "b", "c"} {
			if err := emit(part); err != nil {
				return err
			}
		}
		return nil
	})
	plane := &mockPlane{}
	agent, job := newTestAgent(t, plane, h, AgentConfig{})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if st.Output != "c" {
		t.Errorf("expected final output c, got %v", st.Output)
	}

	prog := plane.Progress()
	if len(prog) != 3 {
		t.Fatalf("expected 3 progress posts, got %d", len(prog))
	}
	for i, want := range []string{"a", "b", "c"} {
		if prog[i].Output != want {
			t.Errorf("progress[%d] = %v, want %s", i, prog[i].Output, want)
		}
	}
}

func TestExecute_RefreshWorkerFlagPopped(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		return map[string]any{"answer": 42, "refresh_worker": true}, nil
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, stop := agent.execute(context.Background(), job)

	if !stop {
		t.Error("expected a stop request")
	}
	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	out := st.Output.(map[string]any)
	if _, ok := out["refresh_worker"]; ok {
		t.Error("refresh_worker must not leak into the recorded output")
	}
	if out["answer"] != 42 {
		t.Errorf("expected answer to survive, got %v", out)
	}
}

func TestExecute_ErrorKeyFailsJob(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		return map[string]any{"error": "bad weights"}, nil
	})
	agent, job := newTestAgent(t, &mockPlane{}, h, AgentConfig{})

	st, _ := agent.execute(context.Background(), job)

	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error == nil || st.Error.Message != "bad weights" {
		t.Errorf("expected error message from output, got %+v", st.Error)
	}
}

func TestExecute_HandlerMetricsAttachedOnce(t *testing.T) {
	h := handler.Direct(func(ctx context.Context, job *handler.Job) (any, error) {
		job.Metrics["tokens"] = 128
		return "ok", nil
	})
	plane := &mockPlane{}
	agent, job := newTestAgent(t, plane, h, AgentConfig{})

	st, stop := agent.execute(context.Background(), job)
	agent.reporter.sendResult(context.Background(), st, stop)

	results := plane.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Result.Metrics["tokens"] != 128 {
		t.Errorf("expected tokens metric on result, got %v", results[0].Result.Metrics)
	}
	if _, ok := agent.metrics.Pop(job.ID); ok {
		t.Error("metrics must pop exactly once")
	}
}

func TestSendResult_FailureKeepsState(t *testing.T) {
	plane := &mockPlane{
		PostResultFunc: func(ctx context.Context, jobID string, result api.JobResult) error {
			return fmt.Errorf("control plane unreachable")
		},
	}
	agent, job := newTestAgent(t, plane, echoHandler(), AgentConfig{})

	st, stop := agent.execute(context.Background(), job)
	agent.reporter.sendResult(context.Background(), st, stop)

	// The job stays visible to heartbeats until the result is acknowledged.
	if _, ok := agent.store.Get(job.ID); !ok {
		t.Error("job state dropped before the result was acknowledged")
	}
	if got := agent.store.ActiveIDs(); len(got) != 0 {
		// Terminal jobs are held but no longer active.
		t.Errorf("terminal job must not be active, got %v", got)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	agent, job := newTestAgent(t, &mockPlane{}, echoHandler(), AgentConfig{})

	st, _ := agent.execute(context.Background(), job)
	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}

	if err := agent.store.SetStatus(job.ID, state.StatusRunning); !errors.Is(err, state.ErrStatusRegression) {
		t.Errorf("expected regression to be rejected, got %v", err)
	}
}
