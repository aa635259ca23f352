package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"podworker/pkg/api"
)

func newTestClient(serverURL string) *Client {
	return New(Config{
		BaseURL:      serverURL,
		Token:        "test-token",
		WorkerID:     "worker-1",
		PostAttempts: 1,
	})
}

func TestTakeJobs_Single(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/jobs/take") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("worker_id") != "worker-1" {
			t.Errorf("expected worker_id param, got %q", r.URL.Query().Get("worker_id"))
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(api.Job{ID: "j1", Input: map[string]any{"number": 4}})
	}))
	defer server.Close()

	jobs, err := newTestClient(server.URL).TakeJobs(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("expected one job j1, got %+v", jobs)
	}
	if jobs[0].TakenAt.IsZero() {
		t.Error("expected TakenAt to be stamped")
	}
}

func TestTakeJobs_Batch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/jobs/take-batch") {
			t.Errorf("expected batch endpoint, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("batch_size") != "3" {
			t.Errorf("expected batch_size=3, got %q", r.URL.Query().Get("batch_size"))
		}
		json.NewEncoder(w).Encode([]api.Job{{ID: "j1"}, {ID: "j2"}})
	}))
	defer server.Close()

	jobs, err := newTestClient(server.URL).TakeJobs(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}
}

func TestTakeJobs_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	jobs, err := newTestClient(server.URL).TakeJobs(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs != nil {
		t.Errorf("expected no jobs, got %+v", jobs)
	}
}

func TestTakeJobs_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).TakeJobs(context.Background(), 1)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTakeJobs_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).TakeJobs(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Transient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestPostResult(t *testing.T) {
	var got api.JobResult
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/j1/result" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") != "j1" {
			t.Errorf("expected request id header, got %q", r.Header.Get("X-Request-ID"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestClient(server.URL).PostResult(context.Background(), "j1", api.JobResult{
		Status: "COMPLETED",
		Output: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %q", got.Status)
	}
}

func TestPostResult_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, WorkerID: "worker-1", PostAttempts: 3})
	if err := client.PostResult(context.Background(), "j1", api.JobResult{Status: "COMPLETED"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestPostResult_UnauthorizedNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, WorkerID: "worker-1", PostAttempts: 3})
	err := client.PostResult(context.Background(), "j1", api.JobResult{Status: "COMPLETED"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestPostProgress(t *testing.T) {
	var got api.ProgressRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/j1/progress" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestClient(server.URL).PostProgress(context.Background(), "j1", "halfway")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != api.ProgressInFlight || got.Output != "halfway" {
		t.Errorf("unexpected progress payload: %+v", got)
	}
}

func TestPing(t *testing.T) {
	var got api.PingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workers/worker-1/ping" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Ping(context.Background(), "worker-1", []string{"j1", "j2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.JobIDs) != 2 {
		t.Errorf("expected job ids in ping, got %+v", got)
	}
}

func TestPing_WorkerUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Ping(context.Background(), "worker-1", nil)
	if !errors.Is(err, ErrWorkerUnknown) {
		t.Errorf("expected ErrWorkerUnknown, got %v", err)
	}
}

func TestTerminate(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/v1/workers/worker-1/terminate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Terminate(context.Background(), "worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected terminate to be called")
	}
}
