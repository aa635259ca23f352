package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"podworker/internal/state"
	"podworker/pkg/api"
	"podworker/pkg/handler"
)

// localJobID names the synthetic job used when the test input carries none.
const localJobID = "local_test"

// localInput is the on-disk shape of a test input file.
type localInput struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

// discardPlane satisfies ControlPlane for local runs: results and progress go
// to the log instead of over the wire.
type discardPlane struct {
	log *slog.Logger
}

func (d *discardPlane) TakeJobs(context.Context, int) ([]api.Job, error) { return nil, nil }

func (d *discardPlane) PostResult(_ context.Context, jobID string, result api.JobResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	d.log.Info("local result", "job_id", jobID, "result", string(body))
	return nil
}

func (d *discardPlane) PostProgress(_ context.Context, jobID string, output any) error {
	d.log.Info("local progress", "job_id", jobID, "output", output)
	return nil
}

func (d *discardPlane) Ping(context.Context, string, []string) error { return nil }
func (d *discardPlane) Terminate(context.Context, string) error      { return nil }

// RunLocal executes a single job read from a test input file through the full
// dispatch pipeline and returns its terminal state. No control plane is
// contacted and the worker exits when the job completes.
func RunLocal(ctx context.Context, h handler.Handler, cfg AgentConfig, inputPath string, log *slog.Logger) (state.JobState, error) {
	if !h.Registered() {
		return state.JobState{}, fmt.Errorf("no handler registered")
	}

	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return state.JobState{}, fmt.Errorf("read test input: %w", err)
	}
	var in localInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return state.JobState{}, fmt.Errorf("parse test input: %w", err)
	}
	if in.ID == "" {
		in.ID = localJobID
	}

	cfg.TestLocal = true
	agent := New(&discardPlane{log: log}, h, cfg, log)

	job := api.Job{ID: in.ID, Input: in.Input}
	if err := agent.store.Create(job); err != nil {
		return state.JobState{}, err
	}
	log.Info("running local test job", "job_id", in.ID, "input_file", inputPath)
	st, _ := agent.execute(ctx, job)
	agent.reporter.sendResult(ctx, st, false)

	if st.Status != state.StatusCompleted {
		return st, fmt.Errorf("local test job ended %s", st.Status)
	}
	return st, nil
}
