// Package local implements the secondary embedded vector provider on
// Badger. It keeps the full record set in the key-value store and a
// resident embedding index for brute-force cosine scans. It is a
// best-effort replica: it may lag the primary and is reconciled only by
// explicit resync.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/observability"
)

const keyPrefix = "mem/"

// record is the stored form of a memory. Memory omits the embedding from
// its JSON shape, so persistence uses this explicit mirror.
type record struct {
	ID              uuid.UUID              `json:"id"`
	Content         string                 `json:"content"`
	Embedding       []float32              `json:"embedding"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ImportanceScore float64                `json:"importance_score"`
	CreatedAt       time.Time              `json:"created_at"`
	LastAccessed    time.Time              `json:"last_accessed"`
	AccessCount     int64                  `json:"access_count"`
}

func toRecord(m *memory.Memory) *record {
	return &record{
		ID:              m.ID,
		Content:         m.Content,
		Embedding:       m.Embedding,
		Metadata:        m.Metadata,
		ImportanceScore: m.ImportanceScore,
		CreatedAt:       m.CreatedAt,
		LastAccessed:    m.LastAccessed,
		AccessCount:     m.AccessCount,
	}
}

func (r *record) toMemory() *memory.Memory {
	return &memory.Memory{
		ID:              r.ID,
		Content:         r.Content,
		Embedding:       r.Embedding,
		Metadata:        r.Metadata,
		ImportanceScore: r.ImportanceScore,
		CreatedAt:       r.CreatedAt,
		LastAccessed:    r.LastAccessed,
		AccessCount:     r.AccessCount,
	}
}

// Config configures the local provider.
type Config struct {
	Name      string
	Dimension int
	// Path is the badger directory; empty selects a purely in-memory store
	Path string
}

// Provider is an embedded vector store. All reads are served from the
// resident index; badger provides durability across restarts.
type Provider struct {
	cfg    Config
	role   providers.Role
	logger observability.Logger

	db *badger.DB

	mu    sync.RWMutex
	items map[uuid.UUID]*memory.Memory

	stores  atomic.Int64
	queries atomic.Int64
	errs    atomic.Int64
}

// New creates an uninitialized local provider.
func New(cfg Config, role providers.Role, logger observability.Logger) (*Provider, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Provider{
		cfg:    cfg,
		role:   role,
		logger: logger.WithPrefix(cfg.Name),
		items:  make(map[uuid.UUID]*memory.Memory),
	}, nil
}

// Name implements providers.Provider
func (p *Provider) Name() string { return p.cfg.Name }

// Role implements providers.Provider
func (p *Provider) Role() providers.Role { return p.role }

// Dimension implements providers.Provider
func (p *Provider) Dimension() int { return p.cfg.Dimension }

// Init opens badger and loads the resident index. It blocks until every
// persisted record is loaded.
func (p *Provider) Init(ctx context.Context) error {
	opts := badger.DefaultOptions(p.cfg.Path).WithLogger(nil)
	if p.cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: failed to open badger: %v", memory.ErrUnavailable, err)
	}
	p.db = db

	loaded := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := it.Item().Value(func(val []byte) error {
				var rec record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				p.items[rec.ID] = rec.toMemory()
				loaded++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		p.db = nil
		return fmt.Errorf("failed to load local index: %w", err)
	}

	p.logger.Info("local provider ready", map[string]interface{}{"loaded": loaded})
	return nil
}

// Close implements providers.Provider
func (p *Provider) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Store implements providers.Provider
func (p *Provider) Store(ctx context.Context, mem *memory.Memory) error {
	if err := memory.ValidateEmbedding(mem.Embedding, p.cfg.Dimension); err != nil {
		return err
	}
	if p.db == nil {
		return memory.ErrUnavailable
	}

	copied := mem.Clone()
	if err := p.persist(copied); err != nil {
		p.errs.Add(1)
		return err
	}

	p.mu.Lock()
	p.items[copied.ID] = copied
	p.mu.Unlock()
	p.stores.Add(1)
	return nil
}

// Query implements providers.Provider. A nil embedding delegates to
// GetRecent. Otherwise the resident index is scanned and scored by cosine
// similarity.
func (p *Provider) Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error) {
	if embedding == nil {
		return p.GetRecent(ctx, opts.Limit, opts.Filters)
	}
	if err := memory.ValidateEmbedding(embedding, p.cfg.Dimension); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return []*memory.Memory{}, nil
	}

	p.mu.RLock()
	candidates := make([]*memory.Memory, 0, len(p.items))
	for _, mem := range p.items {
		if !matchesFilters(mem, opts.Filters) {
			continue
		}
		score, err := memory.CosineSimilarity(embedding, mem.Embedding)
		if err != nil || score < opts.MinSimilarity {
			continue
		}
		scored := mem.Clone()
		scored.Similarity = score
		candidates = append(candidates, scored)
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	p.queries.Add(1)
	return candidates, nil
}

// GetRecent implements providers.Provider
func (p *Provider) GetRecent(ctx context.Context, limit int, filters map[string]interface{}) ([]*memory.Memory, error) {
	if limit <= 0 {
		return []*memory.Memory{}, nil
	}

	p.mu.RLock()
	out := make([]*memory.Memory, 0, len(p.items))
	for _, mem := range p.items {
		if !matchesFilters(mem, filters) {
			continue
		}
		recent := mem.Clone()
		recent.Similarity = 1.0
		out = append(out, recent)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	p.queries.Add(1)
	return out, nil
}

// GetByID implements providers.Provider
func (p *Provider) GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	// Clone under the lock: a concurrent UpdateImportance mutates the
	// resident struct in place
	p.mu.RLock()
	mem, ok := p.items[id]
	var found *memory.Memory
	if ok {
		found = mem.Clone()
	}
	p.mu.RUnlock()
	if !ok {
		return nil, memory.ErrNotFound
	}
	found.Similarity = 1.0
	return found, nil
}

// Delete implements providers.Provider
func (p *Provider) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	_, existed := p.items[id]
	delete(p.items, id)
	p.mu.Unlock()

	if p.db != nil {
		err := p.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key(id))
		})
		if err != nil {
			p.errs.Add(1)
			return existed, fmt.Errorf("%w: badger delete failed: %v", memory.ErrUnavailable, err)
		}
	}
	return existed, nil
}

// UpdateImportance implements providers.Provider
func (p *Provider) UpdateImportance(ctx context.Context, id uuid.UUID, score float64) error {
	if score < 0 || score > 1 {
		return memory.ErrOutOfRange
	}

	p.mu.Lock()
	mem, ok := p.items[id]
	var updated *memory.Memory
	if ok {
		mem.ImportanceScore = score
		// Persist a snapshot taken under the lock, not the live struct
		updated = mem.Clone()
	}
	p.mu.Unlock()
	if !ok {
		return memory.ErrNotFound
	}

	return p.persist(updated)
}

// Health implements providers.Provider
func (p *Provider) Health(ctx context.Context) memory.HealthStatus {
	if p.db == nil || p.db.IsClosed() {
		return memory.HealthStatus{
			Status:  memory.HealthStatusUnhealthy,
			Details: map[string]interface{}{"reason": "badger closed"},
		}
	}
	p.mu.RLock()
	count := len(p.items)
	p.mu.RUnlock()
	return memory.HealthStatus{
		Status:  memory.HealthStatusHealthy,
		Details: map[string]interface{}{"memory_count": count},
	}
}

// Stats implements providers.Provider
func (p *Provider) Stats(ctx context.Context) map[string]interface{} {
	p.mu.RLock()
	count := len(p.items)
	p.mu.RUnlock()
	return map[string]interface{}{
		"stores":       p.stores.Load(),
		"queries":      p.queries.Load(),
		"errors":       p.errs.Load(),
		"memory_count": int64(count),
	}
}

// Count implements providers.Counter
func (p *Provider) Count(ctx context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.items)), nil
}

// BulkUpsert implements providers.BulkWriter for resync.
func (p *Provider) BulkUpsert(ctx context.Context, memories []*memory.Memory) error {
	for _, mem := range memories {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.Store(ctx, mem); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) persist(mem *memory.Memory) error {
	if p.db == nil {
		return nil
	}
	payload, err := json.Marshal(toRecord(mem))
	if err != nil {
		return fmt.Errorf("failed to encode memory: %w", err)
	}
	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(mem.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("%w: badger write failed: %v", memory.ErrUnavailable, err)
	}
	return nil
}

func key(id uuid.UUID) []byte {
	return []byte(keyPrefix + id.String())
}

// matchesFilters applies exact-match metadata filtering, the local
// equivalent of the primary's JSONB containment.
func matchesFilters(mem *memory.Memory, filters map[string]interface{}) bool {
	if len(filters) == 0 {
		return true
	}
	for k, want := range filters {
		got, ok := mem.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
