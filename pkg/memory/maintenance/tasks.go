package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/embedding"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/memory/unified"
	"github.com/recallstack/recall/pkg/observability"
)

// Task interval defaults.
const (
	DefaultHealthInterval      = 30 * time.Second
	DefaultDecayInterval       = 24 * time.Hour
	DefaultFlushInterval       = 30 * time.Second
	DefaultBackfillInterval    = time.Hour
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReviewPruneInterval = 24 * time.Hour

	// DefaultReconcileTolerance is the count divergence a secondary may
	// show before a resync is triggered. Mirror lag makes small transient
	// gaps normal.
	DefaultReconcileTolerance = int64(16)
)

type importanceDecayer interface {
	DecayImportance(ctx context.Context, rate, floor float64) (int64, error)
}

type accessToucher interface {
	TouchAccess(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type hashBackfiller interface {
	BackfillHashes(ctx context.Context, batch int) (int64, error)
}

type reviewPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// HealthPollTask probes every registered provider and feeds the result
// into its state tracker. Consecutive failures degrade; any success
// restores.
func HealthPollTask(registry *providers.Registry, logger observability.Logger, metrics observability.MetricsClient) Task {
	return Task{
		Name:     "health_poll",
		Interval: DefaultHealthInterval,
		Run: func(ctx context.Context) error {
			for _, reg := range registry.All() {
				if !reg.State.Usable() {
					continue
				}
				health := reg.Provider.Health(ctx)
				name := reg.Provider.Name()
				metrics.RecordGauge("provider_healthy", boolGauge(health.Status == memory.HealthStatusHealthy),
					map[string]string{"provider": name})
				if health.Status == memory.HealthStatusUnhealthy {
					if tipped := reg.State.RecordFailure(); tipped {
						logger.Warn("provider degraded after consecutive health failures", map[string]interface{}{
							"provider": name,
							"details":  health.Details,
						})
					}
					continue
				}
				reg.State.RecordSuccess()
			}
			return nil
		},
	}
}

// DecayTask ages importance scores on the primary: each run multiplies by
// (1-rate) with a floor.
func DecayTask(registry *providers.Registry, rate, floor float64, interval time.Duration, logger observability.Logger) Task {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	return Task{
		Name:     "importance_decay",
		Interval: interval,
		Run: func(ctx context.Context) error {
			primary, ok := registry.Primary()
			if !ok {
				return nil
			}
			decayer, ok := primary.Provider.(importanceDecayer)
			if !ok {
				return nil
			}
			affected, err := decayer.DecayImportance(ctx, rate, floor)
			if err != nil {
				return fmt.Errorf("importance decay: %w", err)
			}
			if affected > 0 {
				logger.Info("importance decay applied", map[string]interface{}{
					"rows": affected,
					"rate": rate,
				})
			}
			return nil
		},
	}
}

// AccessFlushTask drains the access recorder and applies the batch of
// last_accessed/access_count updates to the primary. On failure the batch
// is requeued.
func AccessFlushTask(registry *providers.Registry, recorder *AccessRecorder, interval time.Duration) Task {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return Task{
		Name:     "access_flush",
		Interval: interval,
		Run: func(ctx context.Context) error {
			ids := recorder.Drain()
			if len(ids) == 0 {
				return nil
			}
			primary, ok := registry.Primary()
			if !ok {
				recorder.Record(ids...)
				return nil
			}
			toucher, ok := primary.Provider.(accessToucher)
			if !ok {
				return nil
			}
			if err := toucher.TouchAccess(ctx, ids, time.Now().UTC()); err != nil {
				recorder.Record(ids...)
				return fmt.Errorf("access flush: %w", err)
			}
			return nil
		},
	}
}

// HashBackfillTask fingerprints rows that predate dedup or were written
// while the hash hook was unavailable.
func HashBackfillTask(registry *providers.Registry, batch int, logger observability.Logger) Task {
	if batch <= 0 {
		batch = 1000
	}
	return Task{
		Name:     "hash_backfill",
		Interval: DefaultBackfillInterval,
		Run: func(ctx context.Context) error {
			primary, ok := registry.Primary()
			if !ok {
				return nil
			}
			backfiller, ok := primary.Provider.(hashBackfiller)
			if !ok {
				return nil
			}
			n, err := backfiller.BackfillHashes(ctx, batch)
			if err != nil {
				return fmt.Errorf("hash backfill: %w", err)
			}
			if n > 0 {
				logger.Info("hash backfill caught up rows", map[string]interface{}{"rows": n})
			}
			return nil
		},
	}
}

// ReviewPruneTask enforces the dedup audit log's retention window.
func ReviewPruneTask(pruner reviewPruner, logger observability.Logger) Task {
	return Task{
		Name:     "review_prune",
		Interval: DefaultReviewPruneInterval,
		Run: func(ctx context.Context) error {
			n, err := pruner.PruneExpired(ctx)
			if err != nil {
				return fmt.Errorf("review prune: %w", err)
			}
			if n > 0 {
				logger.Info("expired dedup reviews pruned", map[string]interface{}{"rows": n})
			}
			return nil
		},
	}
}

// ReconcileTask compares primary and secondary record counts and triggers
// a resync when a secondary has drifted past tolerance.
func ReconcileTask(store *unified.UnifiedStore, tolerance int64, logger observability.Logger) Task {
	if tolerance <= 0 {
		tolerance = DefaultReconcileTolerance
	}
	registry := store.Registry()
	return Task{
		Name:     "mirror_reconcile",
		Interval: DefaultReconcileInterval,
		Run: func(ctx context.Context) error {
			primary, ok := registry.Primary()
			if !ok {
				return nil
			}
			primaryCounter, ok := primary.Provider.(providers.Counter)
			if !ok {
				return nil
			}
			want, err := primaryCounter.Count(ctx)
			if err != nil {
				return fmt.Errorf("primary count: %w", err)
			}

			for _, secondary := range registry.Secondaries() {
				counter, ok := secondary.Provider.(providers.Counter)
				if !ok {
					continue
				}
				got, err := counter.Count(ctx)
				if err != nil {
					logger.Warn("secondary count failed", map[string]interface{}{
						"secondary": secondary.Provider.Name(),
						"error":     err.Error(),
					})
					continue
				}
				drift := want - got
				if drift < 0 {
					drift = -drift
				}
				if drift <= tolerance {
					continue
				}
				logger.Warn("secondary drifted, resyncing", map[string]interface{}{
					"secondary": secondary.Provider.Name(),
					"primary":   want,
					"mirror":    got,
				})
				if _, err := store.ResyncSecondary(ctx, secondary.Provider.Name(), 0); err != nil {
					logger.Error("resync failed", map[string]interface{}{
						"secondary": secondary.Provider.Name(),
						"error":     err.Error(),
					})
				}
			}
			return nil
		},
	}
}

// CacheStatsTask exports embedding cache occupancy as a gauge.
func CacheStatsTask(pipeline *embedding.Pipeline, metrics observability.MetricsClient) Task {
	return Task{
		Name:     "cache_stats",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			metrics.RecordGauge("embedding_cache_entries", float64(pipeline.CacheLen()), nil)
			return nil
		},
	}
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
