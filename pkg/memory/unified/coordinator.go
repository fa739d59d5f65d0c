// Package unified implements the store coordinator: it owns the provider
// set, the embedding pipeline, and the dedup service, and exposes the
// user-visible operations. Writes go to the primary transactionally and
// mirror asynchronously; reads fan out with failover and merge with trust
// metadata.
package unified

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/dedup"
	"github.com/recallstack/recall/pkg/embedding"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/observability"
)

// Write failover policies for primary unavailability.
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
)

// Operation defaults.
const (
	DefaultQueryDeadline   = 2 * time.Second
	DefaultStoreDeadline   = 5 * time.Second
	DefaultAdminDeadline   = 10 * time.Second
	DefaultMirrorQueueSize = 1024
	DefaultQueryLimit      = 10
	MaxQueryLimit          = 1000
	DefaultImportance      = 0.5
)

// Metadata keys the coordinator writes.
const (
	MetaDuplicateOf       = "duplicate_of"
	MetaPendingPrimary    = "pending_primary"
	MetaSourceProvider    = "source_provider"
	MetaEmbeddingModel    = "embedding_model"
	MetaEmbeddingFallback = "embedding_fallback"
)

// Config configures the coordinator.
type Config struct {
	EmbeddingDim    int
	MaxContentBytes int
	// WriteFailover selects fail_closed (default) or fail_open behavior
	// when the primary rejects a write
	WriteFailover   string
	QueryDeadline   time.Duration
	StoreDeadline   time.Duration
	AdminDeadline   time.Duration
	MirrorQueueSize int
}

func (c *Config) applyDefaults() {
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = memory.DefaultMaxContentBytes
	}
	if c.WriteFailover == "" {
		c.WriteFailover = FailClosed
	}
	if c.QueryDeadline <= 0 {
		c.QueryDeadline = DefaultQueryDeadline
	}
	if c.StoreDeadline <= 0 {
		c.StoreDeadline = DefaultStoreDeadline
	}
	if c.AdminDeadline <= 0 {
		c.AdminDeadline = DefaultAdminDeadline
	}
	if c.MirrorQueueSize <= 0 {
		c.MirrorQueueSize = DefaultMirrorQueueSize
	}
}

// AccessSink receives the ids touched by reads. The maintenance flusher
// drains it in batches; losing entries only costs bookkeeping accuracy.
type AccessSink interface {
	Record(ids ...uuid.UUID)
}

// StoreRequest is the coordinator's write input.
type StoreRequest struct {
	Content        string
	Metadata       map[string]interface{}
	Importance     *float64
	UserID         string
	ConversationID string
}

// QueryRequest is the coordinator's read input.
type QueryRequest struct {
	// Query nil or empty after normalization selects the recent-memories
	// fast path
	Query         *string
	Limit         int
	MinSimilarity *float64
	Filters       map[string]interface{}
	// Providers restricts the fan-out; empty targets all enabled
	Providers      []string
	RelaxThreshold bool
}

// UnifiedStore is the multi-provider coordinator.
type UnifiedStore struct {
	cfg      Config
	registry *providers.Registry
	pipeline *embedding.Pipeline
	dedup    *dedup.Service

	mirrors  *mirrorPool
	notifier *notifyHub
	access   AccessSink

	logger    observability.Logger
	metrics   observability.MetricsClient
	startSpan observability.StartSpanFunc
}

// Options carries the coordinator's collaborators.
type Options struct {
	Registry *providers.Registry
	Pipeline *embedding.Pipeline
	Dedup    *dedup.Service
	Access   AccessSink
	Logger   observability.Logger
	Metrics  observability.MetricsClient
	// StartSpan opens a span at each public op and provider call; nil
	// disables tracing
	StartSpan observability.StartSpanFunc
}

// New creates a coordinator over an already-populated registry. Every
// advertised provider has completed its readiness handshake by the time
// it is registered, so no public op can observe an initializing backend.
func New(cfg Config, opts Options) (*UnifiedStore, error) {
	cfg.applyDefaults()
	if opts.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("embedding pipeline is required")
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = opts.Pipeline.Dimension()
	}
	if cfg.EmbeddingDim != opts.Pipeline.Dimension() {
		return nil, fmt.Errorf("embedding dimension mismatch: coordinator %d, pipeline %d",
			cfg.EmbeddingDim, opts.Pipeline.Dimension())
	}
	for _, reg := range opts.Registry.All() {
		if reg.Provider.Dimension() != cfg.EmbeddingDim {
			return nil, fmt.Errorf("provider %q declares dimension %d, store requires %d",
				reg.Provider.Name(), reg.Provider.Dimension(), cfg.EmbeddingDim)
		}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}
	if opts.StartSpan == nil {
		opts.StartSpan = observability.NoopStartSpan
	}

	s := &UnifiedStore{
		cfg:       cfg,
		registry:  opts.Registry,
		pipeline:  opts.Pipeline,
		dedup:     opts.Dedup,
		access:    opts.Access,
		logger:    opts.Logger.WithPrefix("unified-store"),
		metrics:   opts.Metrics,
		startSpan: opts.StartSpan,
	}
	s.mirrors = newMirrorPool(s, cfg.MirrorQueueSize)
	s.notifier = newNotifyHub(cfg.MirrorQueueSize, s.logger, s.metrics)
	return s, nil
}

// Subscribe attaches a collaborator (e.g. the graph extractor) to the
// outbound notification stream. Subscriber backpressure never blocks a
// write acknowledgement.
func (s *UnifiedStore) Subscribe(n Notifier) {
	s.notifier.subscribe(n)
}

// Close drains background workers and shuts the provider set down.
func (s *UnifiedStore) Close() error {
	s.mirrors.close()
	s.notifier.close()
	return s.registry.Close()
}

// Store validates, embeds, dedup-checks, and persists content, returning
// the stored (or canonical) memory.
func (s *UnifiedStore) Store(ctx context.Context, req StoreRequest) (*memory.Memory, error) {
	ctx, span := s.startSpan(ctx, "unified.store")
	defer span.End()
	start := time.Now()

	normalized := s.pipeline.Normalize(req.Content)
	if normalized == "" {
		return nil, memory.NewStoreError(memory.KindInvalidInput, "store", "", memory.ErrEmptyContent)
	}
	if len(normalized) > s.cfg.MaxContentBytes {
		return nil, memory.NewStoreError(memory.KindInvalidInput, "store", "",
			fmt.Errorf("%w: %d bytes over limit %d", memory.ErrContentTooLarge, len(normalized), s.cfg.MaxContentBytes))
	}

	importance := DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < 0 || importance > 1 {
		return nil, memory.NewStoreError(memory.KindInvalidInput, "store", "", memory.ErrOutOfRange)
	}

	metadata := make(map[string]interface{}, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}
	if req.ConversationID != "" {
		metadata["conversation_id"] = req.ConversationID
	}

	embedded, err := s.pipeline.Embed(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordOperation("unified", "store", false, time.Since(start).Seconds(), nil)
		return nil, memory.NewStoreError(memory.KindEmbeddingFailed, "store", "", err)
	}
	metadata[MetaEmbeddingModel] = embedded.Model
	if embedded.Fallback {
		// Tagged so callers can reprocess once a real model is reachable
		metadata[MetaEmbeddingFallback] = true
	}

	if s.dedup != nil {
		verdict := s.dedup.Check(ctx, dedup.Candidate{
			Content:   normalized,
			Embedding: embedded.Vector,
			Metadata:  metadata,
		})
		if verdict.IsDuplicate && verdict.CanonicalID != nil {
			canonical, err := s.resolveCanonical(ctx, *verdict.CanonicalID)
			if err != nil {
				return nil, err
			}
			canonical.SetMetadata(MetaDuplicateOf, verdict.CanonicalID.String())
			s.metrics.RecordCounter("unified_store_deduplicated", 1, map[string]string{"tier": string(verdict.Tier)})
			return canonical, nil
		}
	}

	now := time.Now().UTC()
	mem := &memory.Memory{
		ID:              uuid.New(),
		Content:         normalized,
		Embedding:       embedded.Vector,
		Metadata:        metadata,
		ImportanceScore: importance,
		CreatedAt:       now,
		LastAccessed:    now,
	}

	written, err := s.writePrimary(ctx, mem)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordOperation("unified", "store", false, time.Since(start).Seconds(), nil)
		return nil, err
	}

	if written {
		s.mirrors.enqueueStore(mem)
	}
	s.notifier.publish(Event{Type: EventMemoryStored, Memory: mem.Clone()})

	s.metrics.RecordOperation("unified", "store", true, time.Since(start).Seconds(), nil)
	return mem, nil
}

// writePrimary commits to the primary under the store deadline. Reports
// whether the write landed on the primary (and should therefore mirror).
func (s *UnifiedStore) writePrimary(ctx context.Context, mem *memory.Memory) (bool, error) {
	primary, ok := s.registry.Primary()
	if !ok || !primary.State.Usable() {
		return s.failoverWrite(ctx, mem, fmt.Errorf("%w: no usable primary", memory.ErrUnavailable))
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreDeadline)
	defer cancel()

	err := primary.Provider.Store(writeCtx, mem)
	if err == nil {
		primary.State.RecordSuccess()
		return true, nil
	}
	if ctx.Err() != nil {
		// Caller cancelled; the transaction rolled back, nothing to repair
		return false, memory.NewStoreError(memory.KindDeadlineExceeded, "store", primary.Provider.Name(), ctx.Err())
	}
	primary.State.RecordFailure()
	return s.failoverWrite(ctx, mem, err)
}

// failoverWrite applies the configured policy when the primary cannot take
// a write: fail-closed surfaces the error, fail-open lands the memory on a
// secondary flagged for later reconciliation.
func (s *UnifiedStore) failoverWrite(ctx context.Context, mem *memory.Memory, cause error) (bool, error) {
	if s.cfg.WriteFailover != FailOpen {
		return false, memory.NewStoreError(memory.KindUnavailable, "store", "primary", cause)
	}

	for _, secondary := range s.registry.Secondaries() {
		mem.SetMetadata(MetaPendingPrimary, true)
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreDeadline)
		err := secondary.Provider.Store(writeCtx, mem)
		cancel()
		if err == nil {
			s.logger.Warn("primary write failed open to secondary", map[string]interface{}{
				"secondary": secondary.Provider.Name(),
				"memory_id": mem.ID.String(),
				"cause":     cause.Error(),
			})
			return false, nil
		}
		s.logger.Error("fail-open write rejected by secondary", map[string]interface{}{
			"secondary": secondary.Provider.Name(),
			"error":     err.Error(),
		})
	}
	return false, memory.NewStoreError(memory.KindUnavailable, "store", "primary", cause)
}

// resolveCanonical loads the canonical memory a duplicate collapsed onto.
func (s *UnifiedStore) resolveCanonical(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	primary, ok := s.registry.Primary()
	if !ok {
		return nil, memory.NewStoreError(memory.KindUnavailable, "store", "primary", memory.ErrUnavailable)
	}
	mem, err := primary.Provider.GetByID(ctx, id)
	if err != nil {
		return nil, memory.NewStoreError(memory.KindInternal, "store", primary.Provider.Name(),
			fmt.Errorf("canonical memory unreadable: %w", err))
	}
	if s.access != nil {
		s.access.Record(id)
	}
	return mem, nil
}

// Get returns a memory by id, primary first, then secondaries. A hit from
// a non-primary carries metadata.source_provider.
func (s *UnifiedStore) Get(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	ctx, span := s.startSpan(ctx, "unified.get")
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryDeadline)
	defer cancel()

	if primary, ok := s.registry.Primary(); ok && primary.State.Usable() {
		mem, err := primary.Provider.GetByID(readCtx, id)
		if err == nil {
			primary.State.RecordSuccess()
			if s.access != nil {
				s.access.Record(id)
			}
			return mem, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	for _, secondary := range s.registry.Secondaries() {
		mem, err := secondary.Provider.GetByID(readCtx, id)
		if err == nil {
			mem.SetMetadata(MetaSourceProvider, secondary.Provider.Name())
			return mem, nil
		}
	}
	return nil, memory.ErrNotFound
}

// Delete removes a memory from the primary transactionally, then fans out
// best-effort deletes. A miss on the primary short-circuits: no fan-out.
func (s *UnifiedStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := s.startSpan(ctx, "unified.delete")
	defer span.End()

	primary, ok := s.registry.Primary()
	if !ok || !primary.State.Usable() {
		return false, memory.NewStoreError(memory.KindUnavailable, "delete", "primary", memory.ErrUnavailable)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreDeadline)
	defer cancel()

	existed, err := primary.Provider.Delete(deleteCtx, id)
	if err != nil {
		primary.State.RecordFailure()
		span.RecordError(err)
		return false, memory.NewStoreError(memory.KindUnavailable, "delete", primary.Provider.Name(), err)
	}
	primary.State.RecordSuccess()
	if !existed {
		return false, nil
	}

	s.mirrors.enqueueDelete(id)
	s.notifier.publish(Event{Type: EventMemoryDeleted, MemoryID: id})
	return true, nil
}

// UpdateImportance sets a memory's importance score on the primary.
// Secondaries catch up through maintenance reconciliation.
func (s *UnifiedStore) UpdateImportance(ctx context.Context, id uuid.UUID, score float64) error {
	ctx, span := s.startSpan(ctx, "unified.update_importance")
	defer span.End()

	if score < 0 || score > 1 {
		return memory.NewStoreError(memory.KindOutOfRange, "update_importance", "", memory.ErrOutOfRange)
	}

	primary, ok := s.registry.Primary()
	if !ok || !primary.State.Usable() {
		return memory.NewStoreError(memory.KindUnavailable, "update_importance", "primary", memory.ErrUnavailable)
	}

	updateCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreDeadline)
	defer cancel()

	if err := primary.Provider.UpdateImportance(updateCtx, id, score); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Registry exposes the provider set to maintenance tasks.
func (s *UnifiedStore) Registry() *providers.Registry { return s.registry }

// Pipeline exposes the embedding pipeline to maintenance tasks.
func (s *UnifiedStore) Pipeline() *embedding.Pipeline { return s.pipeline }
