// Package api contains shared JSON request/response structs for the
// control-plane protocol. This package is shared between the worker runtime
// and anything that needs to speak the same wire format in tests or tooling.
package api

import "time"

// Job is a single unit of work acquired from the control plane.
// Immutable once acquired; derived state lives in the worker's state store.
type Job struct {
	ID      string         `json:"id"`
	Input   map[string]any `json:"input"`
	Webhook string         `json:"webhook,omitempty"`

	// TakenAt is stamped by the worker at acquisition time.
	TakenAt time.Time `json:"-"`
}

// Error payload kinds carried on a failed job result.
const (
	ErrorKindValidation = "validation"
	ErrorKindHandler    = "handler"
	ErrorKindTimeout    = "timeout"
)

// ErrorPayload is the machine-readable error attached to a terminal result.
// Validation failures carry the full list of violations; handler errors and
// timeouts carry a single message.
type ErrorPayload struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
	WorkerID   string   `json:"worker_id,omitempty"`
}

// CheckpointTiming is one named, completed timing span from the job's
// instrumentation, reported with the final result.
type CheckpointTiming struct {
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

// JobResult is the terminal result posted for a job.
type JobResult struct {
	Status      string             `json:"status"`
	Output      any                `json:"output,omitempty"`
	Error       *ErrorPayload      `json:"error,omitempty"`
	Metrics     map[string]any     `json:"metrics,omitempty"`
	Checkpoints []CheckpointTiming `json:"checkpoints,omitempty"`
	StopWorker  bool               `json:"stop_worker,omitempty"`
}

// ProgressInFlight is the status carried on every progress request.
const ProgressInFlight = "IN_PROGRESS"

// ProgressRequest is a partial output pushed mid-job by a streaming handler.
type ProgressRequest struct {
	Status string `json:"status"`
	Output any    `json:"output"`
}

// PingRequest is the periodic liveness report. JobIDs lists the jobs
// currently held by the worker (RECEIVED or RUNNING).
type PingRequest struct {
	WorkerID string   `json:"worker_id"`
	JobIDs   []string `json:"job_ids,omitempty"`
}

// TerminateRequest asks the control plane to destroy this worker's
// underlying compute resource.
type TerminateRequest struct {
	WorkerID string `json:"worker_id"`
}

// ErrorResponse is the standard error response format from the control plane.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
