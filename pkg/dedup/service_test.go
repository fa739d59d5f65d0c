package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/recall/pkg/memory"
)

// fakeProber implements HashProber and VectorProber over fixtures.
type fakeProber struct {
	mu        sync.Mutex
	hashes    map[string]uuid.UUID
	memories  map[uuid.UUID]*memory.Memory
	matches   []*memory.Memory
	hashErr   error
	vectorErr error

	hashCalls   int
	vectorCalls int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		hashes:   make(map[string]uuid.UUID),
		memories: make(map[uuid.UUID]*memory.Memory),
	}
}

func (f *fakeProber) LookupHash(ctx context.Context, hash string) (*uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashCalls++
	if f.hashErr != nil {
		return nil, f.hashErr
	}
	if id, ok := f.hashes[hash]; ok {
		return &id, nil
	}
	return nil, nil
}

func (f *fakeProber) RemoveHash(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, hash)
	return nil
}

func (f *fakeProber) Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectorCalls++
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	var out []*memory.Memory
	for _, m := range f.matches {
		if m.Similarity >= opts.MinSimilarity {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeProber) GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.memories[id]; ok {
		return m, nil
	}
	return nil, memory.ErrNotFound
}

// recordingReviews captures appended reviews.
type recordingReviews struct {
	mu      sync.Mutex
	reviews []*Review
}

func (r *recordingReviews) Append(ctx context.Context, review *Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, review)
	return nil
}

func (r *recordingReviews) decisions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reviews))
	for i, rev := range r.reviews {
		out[i] = rev.Decision
	}
	return out
}

func newServiceUnderTest(t *testing.T, mode Mode, prober *fakeProber, reviews ReviewStore, rules *RuleEngine) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: mode}, prober, prober, reviews, rules, nil, nil)
	require.NoError(t, err)
	return svc
}

func TestCheckModeOffSkipsProbes(t *testing.T) {
	prober := newFakeProber()
	svc := newServiceUnderTest(t, ModeOff, prober, nil, nil)

	result := svc.Check(context.Background(), Candidate{Content: "anything"})
	assert.False(t, result.IsDuplicate)
	assert.Equal(t, TierNone, result.Tier)
	assert.Zero(t, prober.hashCalls)
	assert.Zero(t, prober.vectorCalls)
}

func TestCheckHashTierHit(t *testing.T) {
	prober := newFakeProber()
	canonical := uuid.New()
	prober.hashes[ContentHash("hello world")] = canonical
	prober.memories[canonical] = &memory.Memory{ID: canonical, Content: "hello world"}
	svc := newServiceUnderTest(t, ModeActive, prober, nil, nil)

	result := svc.Check(context.Background(), Candidate{Content: "hello world"})
	assert.True(t, result.IsDuplicate)
	assert.Equal(t, TierHash, result.Tier)
	require.NotNil(t, result.CanonicalID)
	assert.Equal(t, canonical, *result.CanonicalID)
	assert.Equal(t, 1.0, result.Score)
	// Hash hit short-circuits the vector tier
	assert.Zero(t, prober.vectorCalls)
}

func TestCheckVectorTierHit(t *testing.T) {
	prober := newFakeProber()
	canonical := uuid.New()
	prober.matches = []*memory.Memory{{ID: canonical, Content: "near duplicate", Similarity: 0.97}}
	svc := newServiceUnderTest(t, ModeActive, prober, nil, nil)

	result := svc.Check(context.Background(), Candidate{
		Content:   "near-duplicate",
		Embedding: []float32{1, 0},
	})
	assert.True(t, result.IsDuplicate)
	assert.Equal(t, TierVector, result.Tier)
	assert.InDelta(t, 0.97, result.Score, 1e-9)
}

func TestCheckVectorBelowThresholdNotDuplicate(t *testing.T) {
	prober := newFakeProber()
	prober.matches = []*memory.Memory{{ID: uuid.New(), Similarity: 0.80}}
	svc := newServiceUnderTest(t, ModeActive, prober, nil, nil)

	result := svc.Check(context.Background(), Candidate{
		Content:   "vaguely similar",
		Embedding: []float32{1, 0},
	})
	assert.False(t, result.IsDuplicate)
}

func TestCheckStrictModeUsesLowerThreshold(t *testing.T) {
	prober := newFakeProber()
	prober.matches = []*memory.Memory{{ID: uuid.New(), Similarity: 0.92}}

	active := newServiceUnderTest(t, ModeActive, prober, nil, nil)
	result := active.Check(context.Background(), Candidate{Content: "c", Embedding: []float32{1}})
	assert.False(t, result.IsDuplicate, "0.92 is below the active threshold 0.95")

	strict := newServiceUnderTest(t, ModeStrict, prober, nil, nil)
	result = strict.Check(context.Background(), Candidate{Content: "c", Embedding: []float32{1}})
	assert.True(t, result.IsDuplicate, "0.92 is above the strict threshold 0.90")
}

func TestCheckLogOnlyNeverBlocks(t *testing.T) {
	prober := newFakeProber()
	canonical := uuid.New()
	prober.hashes[ContentHash("repeat")] = canonical
	reviews := &recordingReviews{}
	svc := newServiceUnderTest(t, ModeLogOnly, prober, reviews, nil)

	result := svc.Check(context.Background(), Candidate{Content: "repeat"})
	assert.False(t, result.IsDuplicate, "log_only must not block the write")
	assert.Equal(t, TierHash, result.Tier)
	assert.Equal(t, []string{DecisionReview}, reviews.decisions())
}

func TestCheckFailsOpenOnProbeErrors(t *testing.T) {
	prober := newFakeProber()
	prober.hashErr = errors.New("db down")
	prober.vectorErr = errors.New("db down")
	svc := newServiceUnderTest(t, ModeActive, prober, nil, nil)

	result := svc.Check(context.Background(), Candidate{
		Content:   "whatever",
		Embedding: []float32{1},
	})
	assert.False(t, result.IsDuplicate, "probe failure must not block the write")
}

func TestCheckRuleVetoOverridesVectorMatch(t *testing.T) {
	prober := newFakeProber()
	prober.matches = []*memory.Memory{{
		ID:         uuid.New(),
		Similarity: 0.99,
		Metadata:   map[string]interface{}{"conversation_id": "c1"},
	}}
	rules, err := NewRuleEngine([]byte(`[{"name":"conv","type":"different_conversation_never"}]`))
	require.NoError(t, err)
	reviews := &recordingReviews{}
	svc := newServiceUnderTest(t, ModeActive, prober, reviews, rules)

	result := svc.Check(context.Background(), Candidate{
		Content:   "same text, other conversation",
		Embedding: []float32{1},
		Metadata:  map[string]interface{}{"conversation_id": "c2"},
	})
	assert.False(t, result.IsDuplicate)
	assert.Contains(t, result.Reason, "vetoed")
	assert.Equal(t, []string{DecisionUnique}, reviews.decisions())
}

func TestCheckExactMatchOnlySkipsVectorAndRules(t *testing.T) {
	prober := newFakeProber()
	prober.matches = []*memory.Memory{{ID: uuid.New(), Similarity: 0.99}}
	svc, err := NewService(Config{Mode: ModeActive, ExactMatchOnly: true}, prober, prober, nil, nil, nil, nil)
	require.NoError(t, err)

	result := svc.Check(context.Background(), Candidate{
		Content:   "no hash match",
		Embedding: []float32{1},
	})
	assert.False(t, result.IsDuplicate)
	assert.Zero(t, prober.vectorCalls)
}

func TestSetMode(t *testing.T) {
	svc := newServiceUnderTest(t, ModeOff, newFakeProber(), nil, nil)
	require.NoError(t, svc.SetMode(ModeActive))
	assert.Equal(t, ModeActive, svc.Mode())
	assert.Error(t, svc.SetMode(Mode("bogus")))
}

func TestMarkFalsePositiveEvictsHash(t *testing.T) {
	prober := newFakeProber()
	actual := uuid.New()
	reported := uuid.New()
	prober.memories[actual] = &memory.Memory{ID: actual, Content: "collapsed content"}
	prober.hashes[ContentHash("collapsed content")] = actual
	reviews := &recordingReviews{}
	svc := newServiceUnderTest(t, ModeActive, prober, reviews, nil)

	require.NoError(t, svc.MarkFalsePositive(context.Background(), reported, actual))

	_, ok := prober.hashes[ContentHash("collapsed content")]
	assert.False(t, ok, "hash association should be evicted")
	assert.Equal(t, []string{DecisionUnique}, reviews.decisions())
}

// listingReviews is a recordingReviews that can also be listed.
type listingReviews struct {
	recordingReviews
}

func (r *listingReviews) Recent(ctx context.Context, limit int) ([]*Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Review, len(r.reviews))
	copy(out, r.reviews)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestRecentReviewsRequiresListingStore(t *testing.T) {
	prober := newFakeProber()
	canonical := uuid.New()
	prober.hashes[ContentHash("repeat")] = canonical

	appendOnly := newServiceUnderTest(t, ModeActive, prober, &recordingReviews{}, nil)
	rows, err := appendOnly.RecentReviews(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "an append-only store has nothing to list")

	reviews := &listingReviews{}
	svc := newServiceUnderTest(t, ModeActive, prober, reviews, nil)
	svc.Check(context.Background(), Candidate{Content: "repeat"})

	rows, err = svc.RecentReviews(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, DecisionDuplicate, rows[0].Decision)
}

func TestContentHashStable(t *testing.T) {
	assert.Equal(t, ContentHash("x"), ContentHash("x"))
	assert.NotEqual(t, ContentHash("x"), ContentHash("y"))
	assert.Len(t, ContentHash("x"), 64)
}
