package unified

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/dedup"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
)

// Optional capabilities the admin surface probes for on the primary.
type hashRebuilder interface {
	BackfillHashes(ctx context.Context, batch int) (int64, error)
}

type batchLister interface {
	ListBatch(ctx context.Context, after time.Time, limit int) ([]*memory.Memory, error)
}

// ProviderStatus is one provider's entry in the health report.
type ProviderStatus struct {
	Name   string                 `json:"name"`
	Role   string                 `json:"role"`
	State  string                 `json:"state"`
	Health memory.HealthStatus    `json:"health"`
	Stats  map[string]interface{} `json:"stats,omitempty"`
}

// ProviderHealth probes every registered provider.
func (s *UnifiedStore) ProviderHealth(ctx context.Context) []ProviderStatus {
	regs := s.registry.All()
	out := make([]ProviderStatus, 0, len(regs))
	for _, reg := range regs {
		out = append(out, ProviderStatus{
			Name:   reg.Provider.Name(),
			Role:   string(reg.Descriptor.Role),
			State:  string(reg.State.State()),
			Health: reg.Provider.Health(ctx),
		})
	}
	return out
}

// LiveStats aggregates per-provider counters plus coordinator internals
// (mirror backlog, embedding cache occupancy).
func (s *UnifiedStore) LiveStats(ctx context.Context) map[string]interface{} {
	providerStats := make(map[string]interface{})
	for _, reg := range s.registry.All() {
		providerStats[reg.Provider.Name()] = reg.Provider.Stats(ctx)
	}
	out := map[string]interface{}{
		"providers":           providerStats,
		"mirror_queue_depths": s.mirrors.depths(),
		"embedding_cache_len": s.pipeline.CacheLen(),
	}
	if s.dedup != nil {
		out["dedup_mode"] = string(s.dedup.Mode())
	}
	return out
}

// SetDedupMode switches the dedup policy at runtime.
func (s *UnifiedStore) SetDedupMode(mode string) error {
	if s.dedup == nil {
		return fmt.Errorf("%w: deduplication is not configured", memory.ErrInvalidInput)
	}
	parsed, err := dedup.ParseMode(mode)
	if err != nil {
		return err
	}
	return s.dedup.SetMode(parsed)
}

// DedupMode reports the active dedup policy.
func (s *UnifiedStore) DedupMode() string {
	if s.dedup == nil {
		return string(dedup.ModeOff)
	}
	return string(s.dedup.Mode())
}

// RecentDedupReviews lists the latest dedup audit records, newest first.
func (s *UnifiedStore) RecentDedupReviews(ctx context.Context, limit int) ([]*dedup.Review, error) {
	if s.dedup == nil {
		return nil, nil
	}
	return s.dedup.RecentReviews(ctx, limit)
}

// MarkFalsePositive records that a dedup verdict wrongly collapsed
// reportedID onto actualID and unlinks the hash association.
func (s *UnifiedStore) MarkFalsePositive(ctx context.Context, reportedID, actualID uuid.UUID) error {
	if s.dedup == nil {
		return fmt.Errorf("%w: deduplication is not configured", memory.ErrInvalidInput)
	}
	return s.dedup.MarkFalsePositive(ctx, reportedID, actualID)
}

// RebuildHashes backfills missing content fingerprints on the primary.
// Returns the number of rows fingerprinted.
func (s *UnifiedStore) RebuildHashes(ctx context.Context, batch int) (int64, error) {
	primary, ok := s.registry.Primary()
	if !ok {
		return 0, memory.NewStoreError(memory.KindUnavailable, "rebuild_hashes", "primary", memory.ErrUnavailable)
	}
	rebuilder, ok := primary.Provider.(hashRebuilder)
	if !ok {
		return 0, fmt.Errorf("%w: primary %q cannot rebuild hashes",
			memory.ErrInvalidInput, primary.Provider.Name())
	}
	if batch <= 0 {
		batch = 1000
	}

	adminCtx, cancel := context.WithTimeout(ctx, s.cfg.AdminDeadline)
	defer cancel()

	var total int64
	for {
		n, err := rebuilder.BackfillHashes(adminCtx, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}
	s.logger.Info("hash rebuild complete", map[string]interface{}{"rows": total})
	return total, nil
}

// ResyncSecondary replays the primary's full content into one secondary
// in created_at order. It is the repair path for mirror drift.
func (s *UnifiedStore) ResyncSecondary(ctx context.Context, name string, batch int) (int64, error) {
	primary, ok := s.registry.Primary()
	if !ok {
		return 0, memory.NewStoreError(memory.KindUnavailable, "resync", "primary", memory.ErrUnavailable)
	}
	lister, ok := primary.Provider.(batchLister)
	if !ok {
		return 0, fmt.Errorf("%w: primary %q cannot list batches",
			memory.ErrInvalidInput, primary.Provider.Name())
	}
	target, ok := s.registry.Get(name)
	if !ok || target.Descriptor.Role != providers.RoleSecondary {
		return 0, fmt.Errorf("%w: %q is not a registered secondary", memory.ErrInvalidInput, name)
	}
	writer, ok := target.Provider.(providers.BulkWriter)
	if !ok {
		return 0, fmt.Errorf("%w: %q does not accept bulk writes", memory.ErrInvalidInput, name)
	}
	if batch <= 0 {
		batch = 500
	}

	var total int64
	cursor := time.Time{}
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		listCtx, cancel := context.WithTimeout(ctx, s.cfg.AdminDeadline)
		memories, err := lister.ListBatch(listCtx, cursor, batch)
		cancel()
		if err != nil {
			return total, err
		}
		if len(memories) == 0 {
			break
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.AdminDeadline)
		err = writer.BulkUpsert(writeCtx, memories)
		cancel()
		if err != nil {
			return total, err
		}
		total += int64(len(memories))
		cursor = memories[len(memories)-1].CreatedAt
	}

	s.logger.Info("secondary resync complete", map[string]interface{}{
		"secondary": name,
		"rows":      total,
	})
	return total, nil
}
