package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/observability"
)

// Threshold defaults.
const (
	DefaultSimilarityThreshold = 0.95
	DefaultStrictThreshold     = 0.90
	DefaultVectorProbeLimit    = 5
)

// HashProber looks up and removes content-hash fingerprints. The primary
// provider implements it against the hash table it maintains at insert.
type HashProber interface {
	LookupHash(ctx context.Context, hash string) (*uuid.UUID, error)
	RemoveHash(ctx context.Context, hash string) error
}

// VectorProber answers similarity probes. The primary provider implements
// it; the dedup service never talks to secondaries.
type VectorProber interface {
	Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error)
	GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error)
}

// ReviewStore appends audit records of dedup decisions.
type ReviewStore interface {
	Append(ctx context.Context, review *Review) error
}

// reviewLister is the optional listing capability of a ReviewStore.
type reviewLister interface {
	Recent(ctx context.Context, limit int) ([]*Review, error)
}

// Config configures the dedup service.
type Config struct {
	Mode                Mode
	SimilarityThreshold float64
	StrictThreshold     float64
	// ExactMatchOnly disables the vector and rule tiers
	ExactMatchOnly   bool
	VectorProbeLimit int
}

// Service runs the three-tier duplicate check. Internal failures are
// fail-open: a broken probe is logged and the write proceeds.
type Service struct {
	mu        sync.RWMutex
	mode      Mode
	threshold float64
	strict    float64

	exactOnly  bool
	probeLimit int

	hashes  HashProber
	vectors VectorProber
	reviews ReviewStore
	rules   *RuleEngine
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewService creates a dedup Service.
func NewService(cfg Config, hashes HashProber, vectors VectorProber, reviews ReviewStore, rules *RuleEngine, logger observability.Logger, metrics observability.MetricsClient) (*Service, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.StrictThreshold <= 0 || cfg.StrictThreshold > 1 {
		cfg.StrictThreshold = DefaultStrictThreshold
	}
	if cfg.VectorProbeLimit <= 0 {
		cfg.VectorProbeLimit = DefaultVectorProbeLimit
	}
	if rules == nil {
		var err error
		rules, err = NewRuleEngine(nil)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Service{
		mode:       cfg.Mode,
		threshold:  cfg.SimilarityThreshold,
		strict:     cfg.StrictThreshold,
		exactOnly:  cfg.ExactMatchOnly,
		probeLimit: cfg.VectorProbeLimit,
		hashes:     hashes,
		vectors:    vectors,
		reviews:    reviews,
		rules:      rules,
		logger:     logger.WithPrefix("dedup"),
		metrics:    metrics,
	}, nil
}

// Mode returns the current mode.
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches the dedup mode at runtime. This is the only supported
// runtime mutation.
func (s *Service) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	s.logger.Info("dedup mode changed", map[string]interface{}{"mode": string(m)})
	return nil
}

// Threshold returns the similarity threshold in effect for the mode.
func (s *Service) Threshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == ModeStrict {
		return s.strict
	}
	return s.threshold
}

// Check runs the pipeline against a candidate whose content is already
// normalized. It never blocks a write on its own failure.
func (s *Service) Check(ctx context.Context, candidate Candidate) Result {
	mode := s.Mode()
	if mode == ModeOff {
		return Result{IsDuplicate: false, Tier: TierNone}
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordTimer("dedup_check_seconds", time.Since(start), map[string]string{"mode": string(mode)})
	}()

	verdict := s.runPipeline(ctx, candidate)

	switch mode {
	case ModeLogOnly:
		if verdict.Tier != TierNone {
			s.recordReview(ctx, verdict, DecisionReview)
		}
		// Write always proceeds
		return Result{IsDuplicate: false, Tier: verdict.Tier, Score: verdict.Score, CanonicalID: verdict.CanonicalID, Reason: verdict.Reason}
	case ModeActive, ModeStrict:
		if verdict.IsDuplicate {
			s.recordReview(ctx, verdict, DecisionDuplicate)
		} else if verdict.Tier != TierNone {
			s.recordReview(ctx, verdict, DecisionUnique)
		}
		return verdict
	default:
		return Result{IsDuplicate: false, Tier: TierNone}
	}
}

// runPipeline executes the tiers in order: hash, vector, rules. A rule
// veto always wins, which is what strict mode's concur-or-abstain
// requirement reduces to: a tier that spoke against the duplicate blocks
// the collapse.
func (s *Service) runPipeline(ctx context.Context, candidate Candidate) Result {
	var (
		bestMatch *memory.Memory
		bestScore float64
		tier      = TierNone
		reason    string
	)

	// Tier 1: exact hash
	hash := ContentHash(candidate.Content)
	if id, err := s.hashes.LookupHash(ctx, hash); err != nil {
		s.logger.Warn("hash probe failed, dedup fails open", map[string]interface{}{"error": err.Error()})
		s.metrics.RecordCounter("dedup_probe_errors", 1, map[string]string{"tier": "hash"})
	} else if id != nil {
		tier = TierHash
		bestScore = 1.0
		reason = "exact content hash match"
		if m, err := s.vectors.GetByID(ctx, *id); err == nil {
			bestMatch = m
		} else {
			bestMatch = &memory.Memory{ID: *id}
		}
	}

	// Tier 2: vector similarity
	if tier == TierNone && !s.exactOnly && len(candidate.Embedding) > 0 {
		threshold := s.Threshold()
		matches, err := s.vectors.Query(ctx, candidate.Embedding, memory.QueryOptions{
			Limit:         s.probeLimit,
			MinSimilarity: threshold,
		})
		if err != nil {
			s.logger.Warn("vector probe failed, dedup fails open", map[string]interface{}{"error": err.Error()})
			s.metrics.RecordCounter("dedup_probe_errors", 1, map[string]string{"tier": "vector"})
		} else if len(matches) > 0 {
			tier = TierVector
			bestMatch = matches[0]
			bestScore = matches[0].Similarity
			reason = fmt.Sprintf("vector similarity %.4f above threshold %.2f", bestScore, threshold)
		}
	}

	// Tier 3: business rules. Rules can veto a duplicate or declare one
	// on their own evidence.
	ruleVerdict := VerdictAbstain
	var ruleName string
	if !s.exactOnly {
		ruleVerdict, ruleName = s.rules.Evaluate(candidate, bestMatch, bestScore)
	}

	isDup := tier != TierNone
	switch ruleVerdict {
	case VerdictUnique:
		if isDup {
			reason = fmt.Sprintf("rule %q vetoed %s-tier match", ruleName, tier)
		}
		isDup = false
	case VerdictDuplicate:
		if !isDup && bestMatch != nil {
			tier = TierRule
			reason = fmt.Sprintf("rule %q declared duplicate", ruleName)
			isDup = true
		}
	}

	result := Result{IsDuplicate: isDup, Tier: tier, Score: bestScore, Reason: reason}
	if bestMatch != nil {
		id := bestMatch.ID
		result.CanonicalID = &id
	}
	if !isDup && tier == TierNone {
		result.Tier = TierNone
	}
	return result
}

// MarkFalsePositive corrects a wrong duplicate decision: it appends a
// unique review and evicts the hash association so the pair is not
// collapsed again.
func (s *Service) MarkFalsePositive(ctx context.Context, reportedID, actualID uuid.UUID) error {
	mem, err := s.vectors.GetByID(ctx, actualID)
	if err == nil && mem != nil {
		hash := ContentHash(mem.Content)
		if err := s.hashes.RemoveHash(ctx, hash); err != nil {
			s.logger.Warn("failed to evict hash association", map[string]interface{}{
				"memory_id": actualID.String(),
				"error":     err.Error(),
			})
		}
	}

	review := &Review{
		ID:          uuid.New(),
		CandidateID: &reportedID,
		MatchedID:   &actualID,
		Tier:        TierNone,
		Decision:    DecisionUnique,
		Automated:   false,
		Reason:      "operator marked false positive",
		CreatedAt:   time.Now().UTC(),
	}
	if s.reviews == nil {
		return nil
	}
	return s.reviews.Append(ctx, review)
}

// RecentReviews returns the latest audit records, newest first. A store
// without listing support yields an empty slice.
func (s *Service) RecentReviews(ctx context.Context, limit int) ([]*Review, error) {
	lister, ok := s.reviews.(reviewLister)
	if !ok {
		return nil, nil
	}
	return lister.Recent(ctx, limit)
}

func (s *Service) recordReview(ctx context.Context, r Result, decision string) {
	if s.reviews == nil {
		return
	}
	review := &Review{
		ID:         uuid.New(),
		MatchedID:  r.CanonicalID,
		Similarity: r.Score,
		Tier:       r.Tier,
		Decision:   decision,
		Automated:  true,
		Reason:     r.Reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.reviews.Append(ctx, review); err != nil {
		s.logger.Warn("failed to append dedup review", map[string]interface{}{"error": err.Error()})
	}
}
