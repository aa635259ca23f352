package state

import "sync"

// MetricsRecord stores handler-reported metrics keyed by job ID. A job's
// metrics are pushed during execution and popped exactly once when its final
// result is reported.
type MetricsRecord struct {
	mu      sync.Mutex
	metrics map[string]map[string]any
}

// NewMetricsRecord returns an empty metrics record.
func NewMetricsRecord() *MetricsRecord {
	return &MetricsRecord{metrics: make(map[string]map[string]any)}
}

// Push stores metrics for a job, replacing any previous record for the same ID.
func (m *MetricsRecord) Push(jobID string, metrics map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[jobID] = metrics
}

// Pop removes and returns the metrics for a job. The second return value is
// false when no record exists, which is the absence signal for a second pop.
func (m *MetricsRecord) Pop(jobID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.metrics[jobID]
	if !ok {
		return nil, false
	}
	delete(m.metrics, jobID)
	return metrics, true
}
