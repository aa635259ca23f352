// Package state holds the worker's in-memory job registry and the per-job
// metrics record. All job state mutation funnels through the Store API; the
// executor dispatcher and the reporter are its only writers.
package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"podworker/pkg/api"
)

// Status is the lifecycle status of a job held by this worker.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses so that duplicate or out-of-order updates can never
// move a job backwards: RECEIVED < RUNNING < terminal.
func (s Status) rank() int {
	switch s {
	case StatusReceived:
		return 0
	case StatusRunning:
		return 1
	}
	return 2
}

var (
	// ErrNotFound is returned for operations on an unknown job ID.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a job ID is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrStatusRegression is returned when an update would move a job to an
	// earlier (or equally advanced) status.
	ErrStatusRegression = errors.New("status regression rejected")
)

// JobState is the mutable state derived from an acquired job.
type JobState struct {
	ID          string
	Status      Status
	Output      any
	Error       *api.ErrorPayload
	Progress    any
	Checkpoints []api.CheckpointTiming
	ReceivedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Store is the in-memory registry of jobs currently held by this worker.
// Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*JobState
}

// NewStore returns an empty job registry.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*JobState)}
}

// Create registers an acquired job with status RECEIVED. A second acquisition
// of the same ID while the first is still tracked is rejected.
func (s *Store) Create(job api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	received := job.TakenAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	s.jobs[job.ID] = &JobState{
		ID:         job.ID,
		Status:     StatusReceived,
		ReceivedAt: received,
	}
	return nil
}

// Get returns a copy of the job's state.
func (s *Store) Get(id string) (JobState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return *st, true
}

// SetStatus advances a job's status. Regressions and duplicate transitions
// are rejected: the store only ever keeps the most advanced status seen.
func (s *Store) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if status.rank() <= st.Status.rank() {
		return ErrStatusRegression
	}

	st.Status = status
	now := time.Now().UTC()
	if status == StatusRunning {
		st.StartedAt = &now
	}
	if status.Terminal() {
		st.FinishedAt = &now
	}
	return nil
}

// SetProgress records the last partial payload pushed by a streaming handler.
func (s *Store) SetProgress(id string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	st.Progress = payload
	return nil
}

// Finish moves a job to a terminal status and records its output, error
// payload, and checkpoint timings in one step.
func (s *Store) Finish(id string, status Status, output any, errPayload *api.ErrorPayload, checkpoints []api.CheckpointTiming) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !status.Terminal() {
		return errors.New("finish requires a terminal status")
	}
	if status.rank() <= st.Status.rank() {
		return ErrStatusRegression
	}

	now := time.Now().UTC()
	st.Status = status
	st.Output = output
	st.Error = errPayload
	st.Checkpoints = checkpoints
	st.FinishedAt = &now
	return nil
}

// Remove drops a job from the registry once its terminal result has been
// acknowledged by the control plane.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// RunningCount returns the number of jobs currently RUNNING.
func (s *Store) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.jobs {
		if st.Status == StatusRunning {
			n++
		}
	}
	return n
}

// ActiveIDs returns the IDs of jobs that are RECEIVED or RUNNING, sorted so
// heartbeat payloads are deterministic.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.jobs {
		if st.Status == StatusReceived || st.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of jobs currently tracked regardless of status.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
