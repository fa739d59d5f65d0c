package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/recallstack/recall/pkg/embedding/cache"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/observability"
)

// Result is the outcome of an embedding pipeline run.
type Result struct {
	Vector []float32
	Model  string
	// Fallback is true when the vector came from the deterministic pseudo
	// model and carries no semantic signal
	Fallback bool
	// Cached is true when the vector was served from the cache
	Cached bool
}

// fallbackMarker is implemented by models whose output must be tagged for
// reprocessing.
type fallbackMarker interface {
	Fallback() bool
}

// Pipeline turns text into validated fixed-dimension vectors: normalize,
// probe the cache, walk the model chain in declared order, validate, and
// insert into the cache. The first model to succeed wins.
type Pipeline struct {
	normalizer Normalizer
	chain      []Model
	cache      cache.Cache
	dim        int
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewPipeline creates a Pipeline. The chain is tried in order; callers
// typically end it with the deterministic pseudo model so ingestion never
// blocks permanently on model outages.
func NewPipeline(dim int, chain []Model, c cache.Cache, logger observability.Logger, metrics observability.MetricsClient) (*Pipeline, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("at least one embedding model is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Pipeline{
		normalizer: NewNormalizer(),
		chain:      chain,
		cache:      c,
		dim:        dim,
		logger:     logger.WithPrefix("embedding"),
		metrics:    metrics,
	}, nil
}

// Dimension returns the pipeline's declared output dimension.
func (p *Pipeline) Dimension() int { return p.dim }

// Normalize exposes the pipeline's text normalization so callers hash and
// store exactly what was embedded.
func (p *Pipeline) Normalize(text string) string {
	return p.normalizer.Normalize(text)
}

// Embed produces a validated embedding for the given text.
func (p *Pipeline) Embed(ctx context.Context, text string) (*Result, error) {
	normalized := p.normalizer.Normalize(text)
	if normalized == "" {
		return nil, memory.ErrEmptyContent
	}

	key := cache.Key(normalized)
	if p.cache != nil {
		if entry, ok := p.cache.Get(ctx, key); ok {
			return &Result{
				Vector:   entry.Vector,
				Model:    entry.Model,
				Fallback: entry.Model == fallbackModelName(p.chain),
				Cached:   true,
			}, nil
		}
	}

	var lastErr error
	for _, model := range p.chain {
		start := time.Now()
		vec, err := model.Embed(ctx, normalized)
		if err != nil {
			lastErr = err
			p.logger.Warn("embedding model failed, trying next", map[string]interface{}{
				"model": model.Name(),
				"error": err.Error(),
			})
			p.metrics.RecordOperation("embedding", "embed", false, time.Since(start).Seconds(), map[string]string{"model": model.Name()})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if err := memory.ValidateEmbedding(vec, p.dim); err != nil {
			lastErr = err
			p.logger.Warn("embedding model returned invalid vector", map[string]interface{}{
				"model": model.Name(),
				"error": err.Error(),
			})
			continue
		}

		p.metrics.RecordOperation("embedding", "embed", true, time.Since(start).Seconds(), map[string]string{"model": model.Name()})

		fallback := false
		if fm, ok := model.(fallbackMarker); ok {
			fallback = fm.Fallback()
		}

		if p.cache != nil {
			p.cache.Set(ctx, key, &cache.Entry{
				Vector:   vec,
				Model:    model.Name(),
				CachedAt: time.Now().UTC(),
			})
		}

		return &Result{Vector: vec, Model: model.Name(), Fallback: fallback}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no embedding model available")
	}
	return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingFailed, lastErr)
}

// EmbedBatch embeds several texts through the full per-item pipeline so
// every entry passes the cache and validation steps. Used by the hash
// backfill and resync admin paths.
func (p *Pipeline) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	results := make([]*Result, len(texts))
	for i, t := range texts {
		r, err := p.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

// CacheLen reports the number of locally cached embeddings.
func (p *Pipeline) CacheLen() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.Len()
}

// PurgeCache drops all cached embeddings.
func (p *Pipeline) PurgeCache(ctx context.Context) {
	if p.cache != nil {
		p.cache.Purge(ctx)
	}
}

// fallbackModelName returns the name of the chain's fallback model, if any.
func fallbackModelName(chain []Model) string {
	for _, m := range chain {
		if fm, ok := m.(fallbackMarker); ok && fm.Fallback() {
			return m.Name()
		}
	}
	return ""
}
