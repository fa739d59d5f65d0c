package unified

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
)

// Similarity thresholds applied when the request does not specify one.
const (
	DefaultMinSimilarity = 0.3
	// Empty queries match everything; a threshold would be meaningless
	EmptyQueryMinSimilarity = 0.0
)

// Query runs either the recent-memories fast path (nil/blank query) or a
// semantic fan-out across the enabled providers, merging by id with
// max-score wins.
func (s *UnifiedStore) Query(ctx context.Context, req QueryRequest) (*memory.QueryResult, error) {
	ctx, span := s.startSpan(ctx, "unified.query")
	defer span.End()
	start := time.Now()

	limit := req.Limit
	if limit < 0 {
		return nil, memory.NewStoreError(memory.KindInvalidInput, "query", "",
			fmt.Errorf("%w: limit must be non-negative", memory.ErrInvalidInput))
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	normalized := ""
	if req.Query != nil {
		normalized = s.pipeline.Normalize(*req.Query)
	}
	empty := normalized == ""

	// A zero limit asks for nothing; answer without touching providers
	if limit == 0 {
		queryType := memory.QueryTypeSemantic
		if empty {
			queryType = memory.QueryTypeEmpty
		}
		return &memory.QueryResult{
			Memories:    []*memory.Memory{},
			QueryTimeMs: time.Since(start).Milliseconds(),
			Trust: memory.TrustInfo{
				ConfidenceScore:  1.0,
				DataCompleteness: 1.0,
				QueryType:        queryType,
			},
		}, nil
	}

	minSimilarity := EmptyQueryMinSimilarity
	if !empty {
		minSimilarity = DefaultMinSimilarity
	}
	if req.MinSimilarity != nil {
		minSimilarity = *req.MinSimilarity
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, memory.NewStoreError(memory.KindOutOfRange, "query", "",
			fmt.Errorf("%w: min_similarity %v outside [0,1]", memory.ErrOutOfRange, minSimilarity))
	}

	targets, err := s.queryTargets(req.Providers)
	if err != nil {
		return nil, err
	}

	opts := memory.QueryOptions{
		Limit:          limit,
		MinSimilarity:  minSimilarity,
		Filters:        req.Filters,
		RelaxThreshold: req.RelaxThreshold,
	}

	var result *memory.QueryResult
	if empty {
		result, err = s.queryRecent(ctx, targets, opts)
	} else {
		result, err = s.querySemantic(ctx, normalized, targets, opts)
	}
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordOperation("unified", "query", false, time.Since(start).Seconds(), nil)
		return nil, err
	}

	if s.access != nil && len(result.Memories) > 0 {
		ids := make([]uuid.UUID, len(result.Memories))
		for i, mem := range result.Memories {
			ids[i] = mem.ID
		}
		s.access.Record(ids...)
	}

	result.QueryTimeMs = time.Since(start).Milliseconds()
	s.metrics.RecordOperation("unified", "query", true, time.Since(start).Seconds(),
		map[string]string{"query_type": result.Trust.QueryType})
	return result, nil
}

// queryTargets resolves the fan-out set. Explicit names must all be
// registered; an unknown name is an input error, not a silent skip.
func (s *UnifiedStore) queryTargets(names []string) ([]*providers.Registered, error) {
	if len(names) == 0 {
		targets := s.registry.Enabled()
		if len(targets) == 0 {
			return nil, memory.NewStoreError(memory.KindUnavailable, "query", "", memory.ErrUnavailable)
		}
		return targets, nil
	}
	targets := make([]*providers.Registered, 0, len(names))
	for _, name := range names {
		reg, ok := s.registry.Get(name)
		if !ok {
			return nil, memory.NewStoreError(memory.KindInvalidInput, "query", "",
				fmt.Errorf("%w: unknown provider %q", memory.ErrInvalidInput, name))
		}
		targets = append(targets, reg)
	}
	return targets, nil
}

// queryRecent serves blank queries straight from GetRecent. No embedding
// work happens on this path; the first provider that answers wins, in
// primary-first order.
func (s *UnifiedStore) queryRecent(ctx context.Context, targets []*providers.Registered, opts memory.QueryOptions) (*memory.QueryResult, error) {
	var failed []string
	for _, reg := range orderPrimaryFirst(targets) {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryDeadline)
		memories, err := reg.Provider.GetRecent(readCtx, opts.Limit, opts.Filters)
		cancel()
		if err != nil {
			reg.State.RecordFailure()
			failed = append(failed, reg.Provider.Name())
			s.logger.Warn("recent read failed, trying next provider", map[string]interface{}{
				"provider": reg.Provider.Name(),
				"error":    err.Error(),
			})
			continue
		}
		reg.State.RecordSuccess()

		confidence := 1.0
		if len(failed) > 0 {
			confidence = 0.5
		}
		return &memory.QueryResult{
			Memories:      memories,
			TotalFound:    len(memories),
			ProvidersUsed: []string{reg.Provider.Name()},
			Trust: memory.TrustInfo{
				ConfidenceScore:  confidence,
				DataCompleteness: completeness(len(memories), opts.Limit),
				QueryType:        memory.QueryTypeEmpty,
				ProvidersFailed:  failed,
			},
		}, nil
	}
	return nil, memory.NewStoreError(memory.KindUnavailable, "query", "",
		fmt.Errorf("%w: all providers failed recent read", memory.ErrUnavailable))
}

// providerAnswer is one provider's contribution to a semantic fan-out.
type providerAnswer struct {
	name     string
	memories []*memory.Memory
	err      error
}

// querySemantic embeds the query once, dispatches every target in
// parallel under its own deadline, and merges the answers.
func (s *UnifiedStore) querySemantic(ctx context.Context, normalized string, targets []*providers.Registered, opts memory.QueryOptions) (*memory.QueryResult, error) {
	embedded, err := s.pipeline.Embed(ctx, normalized)
	if err != nil {
		return nil, memory.NewStoreError(memory.KindEmbeddingFailed, "query", "", err)
	}

	answers := make([]providerAnswer, len(targets))
	var wg sync.WaitGroup
	for i, reg := range targets {
		wg.Add(1)
		go func(i int, reg *providers.Registered) {
			defer wg.Done()
			queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryDeadline)
			defer cancel()
			memories, err := reg.Provider.Query(queryCtx, embedded.Vector, opts)
			answers[i] = providerAnswer{name: reg.Provider.Name(), memories: memories, err: err}
			if err != nil {
				reg.State.RecordFailure()
			} else {
				reg.State.RecordSuccess()
			}
		}(i, reg)
	}
	wg.Wait()

	var used, failed []string
	var contributions [][]*memory.Memory
	for _, ans := range answers {
		if ans.err != nil {
			failed = append(failed, ans.name)
			s.logger.Warn("provider query failed", map[string]interface{}{
				"provider": ans.name,
				"error":    ans.err.Error(),
			})
			continue
		}
		used = append(used, ans.name)
		contributions = append(contributions, ans.memories)
	}
	if len(used) == 0 {
		return nil, memory.NewStoreError(memory.KindUnavailable, "query", "",
			fmt.Errorf("%w: all %d providers failed", memory.ErrUnavailable, len(targets)))
	}

	merged := mergeAnswers(contributions, opts.Limit)

	// Relaxation retries the surviving providers with the threshold
	// floored, rather than re-ranking stale partial answers
	if opts.RelaxThreshold && len(merged) < opts.Limit && opts.MinSimilarity > 0 {
		relaxed := opts
		relaxed.MinSimilarity = 0
		relaxed.RelaxThreshold = false
		if result, err := s.querySemanticRelaxed(ctx, embedded.Vector, targets, relaxed); err == nil {
			merged = result
		}
	}

	return &memory.QueryResult{
		Memories:      merged,
		TotalFound:    len(merged),
		ProvidersUsed: used,
		Trust: memory.TrustInfo{
			ConfidenceScore:  float64(len(used)) / float64(len(targets)),
			DataCompleteness: completeness(len(merged), opts.Limit),
			QueryType:        memory.QueryTypeSemantic,
			ProvidersFailed:  failed,
		},
	}, nil
}

// querySemanticRelaxed reruns the fan-out with the already-computed
// embedding. Failures here fall back to the stricter answer.
func (s *UnifiedStore) querySemanticRelaxed(ctx context.Context, vector []float32, targets []*providers.Registered, opts memory.QueryOptions) ([]*memory.Memory, error) {
	var contributions [][]*memory.Memory
	for _, reg := range targets {
		queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryDeadline)
		memories, err := reg.Provider.Query(queryCtx, vector, opts)
		cancel()
		if err != nil {
			continue
		}
		contributions = append(contributions, memories)
	}
	if len(contributions) == 0 {
		return nil, memory.ErrUnavailable
	}
	return mergeAnswers(contributions, opts.Limit), nil
}

// mergeAnswers unions provider answers by id, keeping the highest score
// per memory, then orders by score descending with recency as the
// tiebreak and truncates to the limit.
func mergeAnswers(contributions [][]*memory.Memory, limit int) []*memory.Memory {
	byID := make(map[uuid.UUID]*memory.Memory)
	for _, memories := range contributions {
		for _, mem := range memories {
			if existing, ok := byID[mem.ID]; !ok || mem.Similarity > existing.Similarity {
				byID[mem.ID] = mem
			}
		}
	}

	merged := make([]*memory.Memory, 0, len(byID))
	for _, mem := range byID {
		merged = append(merged, mem)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// orderPrimaryFirst returns the targets with the primary (if present)
// moved to the front, preserving the relative order of the rest.
func orderPrimaryFirst(targets []*providers.Registered) []*providers.Registered {
	out := make([]*providers.Registered, 0, len(targets))
	for _, reg := range targets {
		if reg.Descriptor.Role == providers.RolePrimary {
			out = append(out, reg)
		}
	}
	for _, reg := range targets {
		if reg.Descriptor.Role != providers.RolePrimary {
			out = append(out, reg)
		}
	}
	return out
}

// completeness estimates how much of the requested page was filled.
func completeness(returned, limit int) float64 {
	if limit <= 0 || returned >= limit {
		return 1.0
	}
	return float64(returned) / float64(limit)
}
