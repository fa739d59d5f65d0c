package observability

import (
	"sync"
	"time"
)

// NoopMetricsClient is a MetricsClient that discards everything
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordTimer implements MetricsClient.RecordTimer
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// RecordOperation implements MetricsClient.RecordOperation
func (m *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}

// RecordCacheOperation implements MetricsClient.RecordCacheOperation
func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}

// RecordDatabaseOperation implements MetricsClient.RecordDatabaseOperation
func (m *NoopMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
}

// StartTimer implements MetricsClient.StartTimer
func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close implements MetricsClient.Close
func (m *NoopMetricsClient) Close() error { return nil }

// InMemoryMetricsClient accumulates counters and gauges in memory. Used in
// tests and exposed through live_stats for lightweight deployments that do
// not run a metrics collector.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewInMemoryMetricsClient creates a new InMemoryMetricsClient
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// RecordCounter implements MetricsClient.RecordCounter
func (m *InMemoryMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordGauge implements MetricsClient.RecordGauge
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordHistogram implements MetricsClient.RecordHistogram
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+"_count"]++
	m.counters[name+"_sum"] += value
}

// RecordTimer implements MetricsClient.RecordTimer
func (m *InMemoryMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordOperation implements MetricsClient.RecordOperation
func (m *InMemoryMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RecordCounter(component+"_"+operation+"_"+outcome, 1, labels)
	m.RecordHistogram(component+"_"+operation+"_seconds", durationSeconds, labels)
}

// RecordCacheOperation implements MetricsClient.RecordCacheOperation
func (m *InMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	m.RecordOperation("cache", operation, success, durationSeconds, nil)
}

// RecordDatabaseOperation implements MetricsClient.RecordDatabaseOperation
func (m *InMemoryMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	m.RecordOperation("database", operation, success, durationSeconds, nil)
}

// StartTimer implements MetricsClient.StartTimer
func (m *InMemoryMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// Close implements MetricsClient.Close
func (m *InMemoryMetricsClient) Close() error { return nil }

// Counter returns the accumulated value for a counter name
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of all counters and gauges
func (m *InMemoryMetricsClient) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
