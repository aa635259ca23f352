package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"podworker/internal/logger"
	"podworker/internal/state"
	"podworker/pkg/api"
	"podworker/pkg/handler"
	"podworker/pkg/instrument"
	"podworker/pkg/validate"
)

// handlerSpan names the top-level checkpoint the runtime records around every
// handler invocation.
const handlerSpan = "handler"

// dispatch owns one acquired job end to end: execute, report, release the
// execution slot. Runs in its own goroutine, rooted in a fresh context so a
// shutdown request never interrupts a job mid-flight.
func (a *Agent) dispatch(job api.Job) {
	defer a.wg.Done()
	defer func() {
		<-a.sem
		a.wakePoller()
	}()

	tracer := otel.Tracer("podworker")
	ctx, span := tracer.Start(context.Background(), "execute_job",
		trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	st, stopWorker := a.execute(ctx, job)
	a.reporter.sendResult(ctx, st, stopWorker)

	if stopWorker {
		a.requestShutdown("stop requested by job " + job.ID)
	}
}

// execute runs the job through validation and the registered handler and
// records a terminal state in the store. The returned bool reports whether
// the job asked for the worker to be stopped and refreshed.
func (a *Agent) execute(ctx context.Context, job api.Job) (state.JobState, bool) {
	log := logger.WithJob(a.log, job.ID)
	start := time.Now()

	if schema := a.handler.Schema(); schema != nil {
		if violations := validate.Input(job.Input, schema); len(violations) > 0 {
			log.Warn("job input rejected", "violations", len(violations))
			return a.finish(ctx, log, job.ID, start, state.StatusFailed, nil, &api.ErrorPayload{
				Kind:       api.ErrorKindValidation,
				Message:    "input validation failed",
				Violations: violations,
				WorkerID:   a.cfg.WorkerID,
			}, nil), false
		}
		job.Input = validate.WithDefaults(job.Input, schema)
	}

	if err := a.store.SetStatus(job.ID, state.StatusRunning); err != nil {
		// Stale or tampered entry; never move a job backwards.
		log.Warn("refusing to start job", "error", err)
		st, _ := a.store.Get(job.ID)
		return st, false
	}
	a.lifecycle.jobStarted()
	defer a.lifecycle.jobFinished()
	log.Info("job started", "handler", a.handler.Kind().String())

	checkpoints := instrument.New()
	hjob := &handler.Job{
		ID:          job.ID,
		Input:       job.Input,
		Webhook:     job.Webhook,
		Checkpoints: checkpoints,
		Metrics:     map[string]any{},
	}

	timeout := time.Duration(a.cfg.ExecutionTimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	emit := func(partial any) error {
		if err := a.store.SetProgress(job.ID, partial); err != nil {
			return err
		}
		return a.reporter.sendProgress(execCtx, job.ID, partial)
	}

	type outcome struct {
		output any
		err    error
	}
	outCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		var out any
		err := checkpoints.Timed(handlerSpan, func() error {
			var runErr error
			out, runErr = a.handler.Run(execCtx, hjob, emit)
			return runErr
		})
		outCh <- outcome{output: out, err: err}
	}()

	var (
		status     state.Status
		output     any
		errPayload *api.ErrorPayload
		stopWorker bool
	)
	select {
	case o := <-outCh:
		status, output, errPayload, stopWorker = a.classify(o.output, o.err, execCtx)
		if len(hjob.Metrics) > 0 {
			a.metrics.Push(job.ID, hjob.Metrics)
		}
	case <-execCtx.Done():
		// The handler did not yield to cancellation in time. Detach from it
		// and flag the job; its goroutine winds down on its own.
		log.Error("handler exceeded execution timeout, detaching",
			"timeout", timeout.String())
		status = state.StatusTimedOut
		errPayload = &api.ErrorPayload{
			Kind:     api.ErrorKindTimeout,
			Message:  fmt.Sprintf("job execution exceeded %s", timeout),
			WorkerID: a.cfg.WorkerID,
		}
	}

	return a.finish(ctx, log, job.ID, start, status, output, errPayload, checkpoints.Snapshot()), stopWorker
}

// classify maps a handler outcome onto a terminal status. Map outputs may
// carry control keys which are stripped before the output is recorded:
// "error" fails the job and "refresh_worker" asks for the worker to stop.
func (a *Agent) classify(output any, err error, execCtx context.Context) (state.Status, any, *api.ErrorPayload, bool) {
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && execCtx.Err() != nil:
			return state.StatusTimedOut, nil, &api.ErrorPayload{
				Kind:     api.ErrorKindTimeout,
				Message:  err.Error(),
				WorkerID: a.cfg.WorkerID,
			}, false
		case errors.Is(err, context.Canceled):
			return state.StatusCancelled, nil, &api.ErrorPayload{
				Kind:     api.ErrorKindHandler,
				Message:  "job cancelled",
				WorkerID: a.cfg.WorkerID,
			}, false
		}
		return state.StatusFailed, nil, &api.ErrorPayload{
			Kind:     api.ErrorKindHandler,
			Message:  err.Error(),
			WorkerID: a.cfg.WorkerID,
		}, false
	}

	stopWorker := false
	if m, ok := output.(map[string]any); ok {
		if v, ok := m["refresh_worker"]; ok {
			delete(m, "refresh_worker")
			if flag, ok := v.(bool); ok && flag {
				stopWorker = true
			}
		}
		if v, ok := m["error"]; ok {
			delete(m, "error")
			return state.StatusFailed, m, &api.ErrorPayload{
				Kind:     api.ErrorKindHandler,
				Message:  fmt.Sprint(v),
				WorkerID: a.cfg.WorkerID,
			}, stopWorker
		}
	}
	return state.StatusCompleted, output, nil, stopWorker
}

// finish records the terminal state and emits instruments, returning the
// stored state so the reporter sees exactly what the store holds.
func (a *Agent) finish(ctx context.Context, log *slog.Logger, jobID string, start time.Time, status state.Status, output any, errPayload *api.ErrorPayload, checkpoints []api.CheckpointTiming) state.JobState {
	if err := a.store.Finish(jobID, status, output, errPayload, checkpoints); err != nil {
		log.Error("could not finalize job state", "error", err)
	}
	if a.jobStats != nil {
		a.jobStats.RecordJob(ctx, string(status), time.Since(start))
	}
	log.Info("job finished", "status", string(status), "duration", time.Since(start).String())
	st, _ := a.store.Get(jobID)
	return st
}
