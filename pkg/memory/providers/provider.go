// Package providers defines the contract every vector store backend
// implements, the provider readiness state machine, and the registry the
// coordinator reads its provider set from.
package providers

import (
	"context"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
)

// Role describes how the coordinator uses a provider.
type Role string

// Provider roles.
const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleAuxiliary Role = "auxiliary"
)

// Descriptor identifies a provider to the coordinator.
type Descriptor struct {
	Name      string                 `json:"name"`
	Role      Role                   `json:"role"`
	Enabled   bool                   `json:"enabled"`
	Dimension int                    `json:"dimension"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// Provider is the uniform contract all backends implement. All methods are
// safe for concurrent use and respect context cancellation.
//
// Query with a nil embedding must be serviced by delegating to GetRecent:
// an empty query means "most recent", never "most similar to the zero
// vector". Providers that cannot compute similarity report 1.0.
type Provider interface {
	// Name returns the provider name used in trust metadata
	Name() string

	// Role returns the provider's role in the store
	Role() Role

	// Dimension returns the embedding dimension the provider declares
	Dimension() int

	// Init brings the provider to readiness. It blocks until the backend
	// is verified usable; the coordinator never advertises a provider
	// whose Init has not returned.
	Init(ctx context.Context) error

	// Close releases backend resources
	Close() error

	// Store persists a fully-formed memory. The caller owns ID assignment
	// so the same record can be mirrored across providers.
	Store(ctx context.Context, mem *memory.Memory) error

	// Query returns memories ranked by cosine similarity to the embedding.
	// A nil embedding delegates to GetRecent with all scores set to 1.0.
	Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error)

	// GetRecent returns memories newest-first
	GetRecent(ctx context.Context, limit int, filters map[string]interface{}) ([]*memory.Memory, error)

	// GetByID returns a memory or memory.ErrNotFound
	GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error)

	// Delete removes a memory, reporting whether it existed
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateImportance sets the importance score for a memory
	UpdateImportance(ctx context.Context, id uuid.UUID, score float64) error

	// Health reports provider health; it never returns an error
	Health(ctx context.Context) memory.HealthStatus

	// Stats returns provider-specific counters; it never returns an error
	Stats(ctx context.Context) map[string]interface{}
}

// Counter is implemented by providers that can report their memory count.
// The reconciliation task uses it to detect mirror divergence.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// BulkWriter is implemented by providers that support batched upserts for
// resync operations.
type BulkWriter interface {
	BulkUpsert(ctx context.Context, memories []*memory.Memory) error
}
