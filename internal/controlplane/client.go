// Package controlplane implements the HTTP client for the worker-facing
// control-plane endpoints: job take, result and progress posting, liveness
// pings, and worker termination.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"podworker/pkg/api"
)

var (
	// ErrUnauthorized is returned on HTTP 401; repeated occurrences are fatal
	// to job acquisition.
	ErrUnauthorized = errors.New("control plane rejected credential")
	// ErrWorkerUnknown is returned when the control plane no longer
	// recognizes this worker; the orchestrator should begin shutdown.
	ErrWorkerUnknown = errors.New("worker unknown to control plane")
)

// APIError represents a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane error (%d): %s", e.StatusCode, e.Message)
}

// Transient reports whether the error is worth retrying: rate limiting,
// server-side failures, or transport-level errors.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrWorkerUnknown)
}

// Config holds the client's connection settings.
type Config struct {
	BaseURL  string
	Token    string
	WorkerID string

	// PostAttempts bounds the retries for result/progress posts. Zero means
	// the default of 3.
	PostAttempts int
}

// Client talks to the control plane on behalf of a single worker.
type Client struct {
	baseURL      string
	token        string
	workerID     string
	postAttempts int
	httpClient   *http.Client
}

// New creates a control-plane client.
func New(cfg Config) *Client {
	attempts := cfg.PostAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		workerID:     cfg.WorkerID,
		postAttempts: attempts,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TakeJobs polls for up to max jobs. An empty slice means no work is
// available; the batch endpoint is used when max > 1.
func (c *Client) TakeJobs(ctx context.Context, max int) ([]api.Job, error) {
	if max < 1 {
		max = 1
	}

	endpoint := fmt.Sprintf("%s/v1/jobs/take", c.baseURL)
	if max > 1 {
		endpoint = fmt.Sprintf("%s/v1/jobs/take-batch", c.baseURL)
	}

	q := url.Values{}
	q.Set("worker_id", c.workerID)
	if max > 1 {
		q.Set("batch_size", strconv.Itoa(max))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job take request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, readAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read job take response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	jobs, err := decodeJobs(body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range jobs {
		jobs[i].TakenAt = now
	}
	return jobs, nil
}

// decodeJobs accepts both the single-job and batch response shapes.
func decodeJobs(body []byte) ([]api.Job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var jobs []api.Job
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return nil, fmt.Errorf("failed to decode job batch: %w", err)
		}
		return jobs, nil
	}

	var job api.Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("job has missing id field")
	}
	return []api.Job{job}, nil
}

// PostResult sends a job's terminal result. Transient failures are retried a
// bounded number of times with increasing waits.
func (c *Client) PostResult(ctx context.Context, jobID string, result api.JobResult) error {
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/result", c.baseURL, url.PathEscape(jobID))
	return c.postWithRetry(ctx, endpoint, jobID, result)
}

// PostProgress sends a partial output for an in-flight job.
func (c *Client) PostProgress(ctx context.Context, jobID string, output any) error {
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/progress", c.baseURL, url.PathEscape(jobID))
	return c.postWithRetry(ctx, endpoint, jobID, api.ProgressRequest{
		Status: api.ProgressInFlight,
		Output: output,
	})
}

// Ping reports worker liveness and the IDs of jobs currently held.
func (c *Client) Ping(ctx context.Context, workerID string, jobIDs []string) error {
	endpoint := fmt.Sprintf("%s/v1/workers/%s/ping", c.baseURL, url.PathEscape(workerID))

	body, err := json.Marshal(api.PingRequest{WorkerID: workerID, JobIDs: jobIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal ping: %w", err)
	}

	resp, err := c.post(ctx, endpoint, "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound, http.StatusGone:
		return ErrWorkerUnknown
	}
	return readAPIError(resp)
}

// Terminate asks the control plane to destroy this worker's compute
// resource. Best effort: the caller bounds the context.
func (c *Client) Terminate(ctx context.Context, workerID string) error {
	endpoint := fmt.Sprintf("%s/v1/workers/%s/terminate", c.baseURL, url.PathEscape(workerID))

	body, err := json.Marshal(api.TerminateRequest{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("failed to marshal terminate: %w", err)
	}

	resp, err := c.post(ctx, endpoint, "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) postWithRetry(ctx context.Context, endpoint, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.postAttempts; attempt++ {
		if attempt > 0 {
			// Linear backoff between attempts, bounded by the context.
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := c.post(ctx, endpoint, jobID, body)
		if err != nil {
			lastErr = err
			continue
		}

		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode < 300:
				lastErr = nil
			case resp.StatusCode == http.StatusUnauthorized:
				lastErr = ErrUnauthorized
			default:
				lastErr = readAPIError(resp)
			}
		}()

		if lastErr == nil || !Transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, endpoint, requestID string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
}

func readAPIError(resp *http.Response) error {
	var apiResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err == nil && apiResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}
