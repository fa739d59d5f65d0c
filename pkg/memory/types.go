// Package memory defines the domain model for the recall store: the Memory
// record, query and result shapes, the error taxonomy, and vector math
// shared by providers.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxContentBytes is the default upper bound on memory content size.
const DefaultMaxContentBytes = 1 << 20 // 1 MiB

// Memory is the unit of storage: one piece of content with its embedding
// and bookkeeping metadata.
type Memory struct {
	ID              uuid.UUID              `json:"id" db:"id"`
	Content         string                 `json:"content" db:"content"`
	Embedding       []float32              `json:"-" db:"embedding"`
	Metadata        map[string]interface{} `json:"metadata" db:"metadata"`
	ImportanceScore float64                `json:"importance_score" db:"importance_score"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	LastAccessed    time.Time              `json:"last_accessed" db:"last_accessed"`
	AccessCount     int64                  `json:"access_count" db:"access_count"`

	// Similarity is populated only on query results. Recent-mode reads
	// report 1.0 because no distance was computed.
	Similarity float64 `json:"similarity_score,omitempty" db:"similarity"`
}

// Clone returns a deep copy so callers can annotate metadata without
// mutating cached or mirrored instances.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	if m.Embedding != nil {
		out.Embedding = make([]float32, len(m.Embedding))
		copy(out.Embedding, m.Embedding)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SetMetadata assigns a metadata key, allocating the map if needed.
func (m *Memory) SetMetadata(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{}, 1)
	}
	m.Metadata[key] = value
}

// QueryOptions carries the knobs accepted by provider queries.
type QueryOptions struct {
	Limit         int                    `json:"limit"`
	MinSimilarity float64                `json:"min_similarity"`
	Filters       map[string]interface{} `json:"filters,omitempty"`

	// RelaxThreshold floors MinSimilarity at 0 when the limit is not met.
	RelaxThreshold bool `json:"relax_threshold,omitempty"`
}

// TrustInfo describes which providers contributed to a result and how
// complete the answer is believed to be.
type TrustInfo struct {
	ConfidenceScore  float64  `json:"confidence_score"`
	DataCompleteness float64  `json:"data_completeness"`
	QueryType        string   `json:"query_type"`
	ProvidersFailed  []string `json:"providers_failed"`
}

// Query types reported in TrustInfo.
const (
	QueryTypeEmpty    = "empty"
	QueryTypeSemantic = "semantic"
)

// QueryResult is the envelope returned by coordinator queries.
type QueryResult struct {
	Memories      []*Memory `json:"memories"`
	TotalFound    int       `json:"total_found"`
	QueryTimeMs   int64     `json:"query_time_ms"`
	ProvidersUsed []string  `json:"providers_used"`
	Trust         TrustInfo `json:"trust"`
}

// HealthStatus is the always-successful result of a provider health probe.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Health status values.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)
