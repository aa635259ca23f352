package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"podworker/internal/controlplane"
	"podworker/internal/observability"
	"podworker/internal/state"
)

// heartbeatService reports liveness on a fixed interval, independent of job
// execution. Each ping carries the IDs of jobs currently held so the control
// plane will not hand them to another worker.
type heartbeatService struct {
	cp        ControlPlane
	workerID  string
	interval  time.Duration
	store     *state.Store
	jobStats  *observability.JobMetrics
	log       *slog.Logger
	onUnknown func()
}

func (h *heartbeatService) run(ctx context.Context) {
	if h.workerID == "" {
		h.log.Warn("worker ID not configured, heartbeats will not be sent")
		return
	}
	h.log.Info("heartbeat service started", "interval", h.interval.String())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 2*h.interval)
			err := h.cp.Ping(pctx, h.workerID, h.store.ActiveIDs())
			cancel()

			if h.jobStats != nil {
				h.jobStats.RecordHeartbeat(ctx, err == nil)
			}

			switch {
			case err == nil:
			case errors.Is(err, controlplane.ErrWorkerUnknown):
				// Deregistered out from under us. Nothing left to report to.
				h.log.Error("control plane no longer knows this worker")
				h.onUnknown()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				h.log.Warn("heartbeat failed, will retry on next tick", "error", err)
			}
		}
	}
}
