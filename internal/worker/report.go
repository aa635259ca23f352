package worker

import (
	"context"
	"log/slog"

	"podworker/internal/state"
	"podworker/pkg/api"
)

// reporter delivers terminal results and streaming progress to the control
// plane. Results carry the job's popped measurement record and completed
// checkpoint timings; the local state entry is dropped only once the control
// plane has acknowledged the result.
type reporter struct {
	cp      ControlPlane
	store   *state.Store
	metrics *state.MetricsRecord
	log     *slog.Logger
}

func (r *reporter) sendResult(ctx context.Context, st state.JobState, stopWorker bool) {
	result := api.JobResult{
		Status:      string(st.Status),
		Output:      st.Output,
		Error:       st.Error,
		Checkpoints: st.Checkpoints,
		StopWorker:  stopWorker,
	}
	if m, ok := r.metrics.Pop(st.ID); ok {
		result.Metrics = m
	}

	if err := r.cp.PostResult(ctx, st.ID, result); err != nil {
		// The entry stays in the store so the job ID keeps appearing in
		// heartbeats and the control plane can reconcile it.
		r.log.Error("result delivery failed", "job_id", st.ID, "error", err)
		return
	}
	r.store.Remove(st.ID)
}

func (r *reporter) sendProgress(ctx context.Context, jobID string, output any) error {
	return r.cp.PostProgress(ctx, jobID, output)
}
