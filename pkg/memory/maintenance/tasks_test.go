package maintenance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/recallstack/recall/pkg/embedding"
	"github.com/recallstack/recall/pkg/embedding/cache"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/memory/unified"
	"github.com/recallstack/recall/pkg/observability"
)

// maintProvider is a scriptable provider exposing the optional maintenance
// capabilities (decay, access touch, backfill, count, batch list, bulk write).
type maintProvider struct {
	name string

	mu         sync.Mutex
	health     memory.HealthStatus
	count      int64
	countErr   error
	listItems  []*memory.Memory
	upserted   []*memory.Memory
	touched    [][]uuid.UUID
	touchErr   error
	decayRate  float64
	decayFloor float64
	decayRows  int64
	backfilled int64
}

func newMaintProvider(name string) *maintProvider {
	return &maintProvider{
		name:   name,
		health: memory.HealthStatus{Status: memory.HealthStatusHealthy},
	}
}

func (p *maintProvider) Name() string                   { return p.name }
func (p *maintProvider) Role() providers.Role           { return providers.RoleSecondary }
func (p *maintProvider) Dimension() int                 { return 3 }
func (p *maintProvider) Init(ctx context.Context) error { return nil }
func (p *maintProvider) Close() error                   { return nil }

func (p *maintProvider) Store(ctx context.Context, mem *memory.Memory) error { return nil }
func (p *maintProvider) Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error) {
	return nil, nil
}
func (p *maintProvider) GetRecent(ctx context.Context, limit int, filters map[string]interface{}) ([]*memory.Memory, error) {
	return nil, nil
}
func (p *maintProvider) GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	return nil, memory.ErrNotFound
}
func (p *maintProvider) Delete(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil }
func (p *maintProvider) UpdateImportance(ctx context.Context, id uuid.UUID, score float64) error {
	return nil
}
func (p *maintProvider) Stats(ctx context.Context) map[string]interface{} { return nil }

func (p *maintProvider) Health(ctx context.Context) memory.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *maintProvider) setHealth(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = memory.HealthStatus{Status: status}
}

func (p *maintProvider) Count(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, p.countErr
}

func (p *maintProvider) ListBatch(ctx context.Context, after time.Time, limit int) ([]*memory.Memory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*memory.Memory
	for _, m := range p.listItems {
		if m.CreatedAt.After(after) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *maintProvider) BulkUpsert(ctx context.Context, memories []*memory.Memory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserted = append(p.upserted, memories...)
	return nil
}

func (p *maintProvider) TouchAccess(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.touchErr != nil {
		return p.touchErr
	}
	p.touched = append(p.touched, ids)
	return nil
}

func (p *maintProvider) DecayImportance(ctx context.Context, rate, floor float64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayRate = rate
	p.decayFloor = floor
	return p.decayRows, nil
}

func (p *maintProvider) BackfillHashes(ctx context.Context, batch int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.backfilled
	p.backfilled = 0
	return n, nil
}

type stubModel struct{}

func (stubModel) Name() string    { return "stub" }
func (stubModel) Dimensions() int { return 3 }
func (stubModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (stubModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newRegistry(t *testing.T, regs ...struct {
	p    *maintProvider
	role providers.Role
}) *providers.Registry {
	t.Helper()
	r := providers.NewRegistry()
	for _, reg := range regs {
		require.NoError(t, r.Register(context.Background(), reg.p, reg.role, 3))
	}
	return r
}

func regEntry(p *maintProvider, role providers.Role) struct {
	p    *maintProvider
	role providers.Role
} {
	return struct {
		p    *maintProvider
		role providers.Role
	}{p, role}
}

func TestAccessRecorder(t *testing.T) {
	r := NewAccessRecorder(3)
	a, b := uuid.New(), uuid.New()

	r.Record(a, b)
	r.Record(a) // duplicate
	assert.Equal(t, 2, r.Len())

	r.Record(uuid.New(), uuid.New(), uuid.New())
	assert.Equal(t, 3, r.Len(), "overflow past capacity is dropped")

	drained := r.Drain()
	assert.Len(t, drained, 3)
	assert.Contains(t, drained, a)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Drain())
}

func TestSchedulerRunsTasksUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs atomic.Int64
	s := NewScheduler([]Task{
		{Name: "tick", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}},
		// Misconfigured tasks are skipped, not crashed on
		{Name: "no-interval", Run: func(ctx context.Context) error { return nil }},
		{Name: "no-run", Interval: time.Second},
	}, nil, nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
	s.Stop() // idempotent
}

func TestSchedulerSurvivesTaskFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs atomic.Int64
	s := NewScheduler([]Task{
		{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("transient")
		}},
	}, observability.NewNoopLogger(), nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestHealthPollDegradesAndRestores(t *testing.T) {
	p := newMaintProvider("flappy")
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	task := HealthPollTask(registry, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	reg, ok := registry.Get("flappy")
	require.True(t, ok)
	require.Equal(t, providers.StateReady, reg.State.State())

	p.setHealth(memory.HealthStatusUnhealthy)
	for i := 0; i < 3; i++ {
		require.NoError(t, task.Run(context.Background()))
	}
	assert.Equal(t, providers.StateDegraded, reg.State.State())
	assert.True(t, reg.State.Usable(), "degraded still serves")

	p.setHealth(memory.HealthStatusHealthy)
	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, providers.StateReady, reg.State.State())
}

func TestAccessFlushAppliesBatch(t *testing.T) {
	p := newMaintProvider("primary")
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	recorder := NewAccessRecorder(0)
	task := AccessFlushTask(registry, recorder, time.Second)

	a, b := uuid.New(), uuid.New()
	recorder.Record(a, b)

	require.NoError(t, task.Run(context.Background()))
	require.Len(t, p.touched, 1)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, p.touched[0])
	assert.Equal(t, 0, recorder.Len())
}

func TestAccessFlushRequeuesOnFailure(t *testing.T) {
	p := newMaintProvider("primary")
	p.touchErr = errors.New("primary busy")
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	recorder := NewAccessRecorder(0)
	task := AccessFlushTask(registry, recorder, time.Second)

	recorder.Record(uuid.New(), uuid.New())
	assert.Error(t, task.Run(context.Background()))
	assert.Equal(t, 2, recorder.Len(), "failed batch goes back in the buffer")
}

func TestAccessFlushEmptyBufferIsNoOp(t *testing.T) {
	p := newMaintProvider("primary")
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	task := AccessFlushTask(registry, NewAccessRecorder(0), time.Second)

	require.NoError(t, task.Run(context.Background()))
	assert.Empty(t, p.touched)
}

func TestDecayTaskUsesConfiguredParams(t *testing.T) {
	p := newMaintProvider("primary")
	p.decayRows = 7
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	task := DecayTask(registry, 0.02, 0.1, time.Hour, observability.NewNoopLogger())

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 0.02, p.decayRate)
	assert.Equal(t, 0.1, p.decayFloor)
}

func TestHashBackfillTask(t *testing.T) {
	p := newMaintProvider("primary")
	p.backfilled = 42
	registry := newRegistry(t, regEntry(p, providers.RolePrimary))
	task := HashBackfillTask(registry, 100, observability.NewNoopLogger())

	require.NoError(t, task.Run(context.Background()))
	assert.EqualValues(t, 0, p.backfilled, "batch consumed")
}

type fakePruner struct {
	pruned   int64
	pruneErr error
	calls    int
}

func (f *fakePruner) PruneExpired(ctx context.Context) (int64, error) {
	f.calls++
	return f.pruned, f.pruneErr
}

func TestReviewPruneTask(t *testing.T) {
	pruner := &fakePruner{pruned: 5}
	task := ReviewPruneTask(pruner, observability.NewNoopLogger())

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 1, pruner.calls)

	pruner.pruneErr = errors.New("table locked")
	assert.Error(t, task.Run(context.Background()))
}

func TestReconcileResyncsDriftedSecondary(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	primary := newMaintProvider("primary")
	for i := 0; i < 3; i++ {
		primary.listItems = append(primary.listItems, &memory.Memory{
			ID:        uuid.New(),
			Content:   "row",
			Embedding: []float32{1, 0, 0},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	primary.count = 100
	secondary := newMaintProvider("mirror")
	secondary.count = 0

	registry := newRegistry(t,
		regEntry(primary, providers.RolePrimary),
		regEntry(secondary, providers.RoleSecondary))

	pipeline, err := embedding.NewPipeline(3, []embedding.Model{stubModel{}},
		cache.NewLRUCache(10, 0, nil), nil, nil)
	require.NoError(t, err)
	store, err := unified.New(unified.Config{EmbeddingDim: 3},
		unified.Options{Registry: registry, Pipeline: pipeline})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	task := ReconcileTask(store, 5, observability.NewNoopLogger())
	require.NoError(t, task.Run(context.Background()))
	assert.Len(t, secondary.upserted, 3, "drifted secondary replayed from primary")
}

func TestReconcileToleratesSmallDrift(t *testing.T) {
	primary := newMaintProvider("primary")
	primary.count = 10
	secondary := newMaintProvider("mirror")
	secondary.count = 8

	registry := newRegistry(t,
		regEntry(primary, providers.RolePrimary),
		regEntry(secondary, providers.RoleSecondary))

	pipeline, err := embedding.NewPipeline(3, []embedding.Model{stubModel{}},
		cache.NewLRUCache(10, 0, nil), nil, nil)
	require.NoError(t, err)
	store, err := unified.New(unified.Config{EmbeddingDim: 3},
		unified.Options{Registry: registry, Pipeline: pipeline})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	task := ReconcileTask(store, 5, observability.NewNoopLogger())
	require.NoError(t, task.Run(context.Background()))
	assert.Empty(t, secondary.upserted, "drift within tolerance leaves the mirror alone")
}
