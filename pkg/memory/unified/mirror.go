package unified

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
)

// Mirror op kinds.
const (
	mirrorStore  = "store"
	mirrorDelete = "delete"
)

type mirrorOp struct {
	kind string
	mem  *memory.Memory
	id   uuid.UUID
}

// mirrorQueue is a bounded queue feeding one secondary. When full, the
// oldest pending op is dropped: fresh writes matter more than stale ones,
// and reconciliation repairs whatever was lost.
type mirrorQueue struct {
	target *providers.Registered
	ch     chan mirrorOp
}

// mirrorPool fans writes out to every secondary, one worker per target.
// Enqueueing never blocks the write acknowledgement path.
type mirrorPool struct {
	store  *UnifiedStore
	queues []*mirrorQueue

	mu sync.Mutex
	wg sync.WaitGroup

	done chan struct{}
	once sync.Once
}

func newMirrorPool(store *UnifiedStore, queueSize int) *mirrorPool {
	p := &mirrorPool{
		store: store,
		done:  make(chan struct{}),
	}
	for _, reg := range store.registry.Secondaries() {
		q := &mirrorQueue{
			target: reg,
			ch:     make(chan mirrorOp, queueSize),
		}
		p.queues = append(p.queues, q)
		p.wg.Add(1)
		go p.run(q)
	}
	return p
}

func (p *mirrorPool) enqueueStore(mem *memory.Memory) {
	p.enqueue(mirrorOp{kind: mirrorStore, mem: mem.Clone()})
}

func (p *mirrorPool) enqueueDelete(id uuid.UUID) {
	p.enqueue(mirrorOp{kind: mirrorDelete, id: id})
}

func (p *mirrorPool) enqueue(op mirrorOp) {
	for _, q := range p.queues {
		select {
		case q.ch <- op:
			continue
		default:
		}

		// Queue full: evict the oldest op, then retry once. A racing
		// worker may have drained in between, so the retry can still
		// fail; the op is then dropped outright.
		p.mu.Lock()
		select {
		case <-q.ch:
			p.store.metrics.RecordCounter("mirror_queue_dropped", 1,
				map[string]string{"provider": q.target.Provider.Name()})
		default:
		}
		select {
		case q.ch <- op:
		default:
			p.store.metrics.RecordCounter("mirror_queue_dropped", 1,
				map[string]string{"provider": q.target.Provider.Name()})
		}
		p.mu.Unlock()

		p.store.logger.Warn("mirror queue overflow, dropped oldest", map[string]interface{}{
			"provider": q.target.Provider.Name(),
		})
	}
}

func (p *mirrorPool) run(q *mirrorQueue) {
	defer p.wg.Done()
	name := q.target.Provider.Name()
	for {
		select {
		case <-p.done:
			return
		case op := <-q.ch:
			ctx, cancel := context.WithTimeout(context.Background(), p.store.cfg.StoreDeadline)
			var err error
			switch op.kind {
			case mirrorStore:
				err = q.target.Provider.Store(ctx, op.mem)
			case mirrorDelete:
				_, err = q.target.Provider.Delete(ctx, op.id)
			}
			cancel()
			if err != nil {
				// Lost mirror writes are acceptable: reconciliation
				// detects the divergence and triggers a resync
				p.store.metrics.RecordCounter("mirror_apply_failed", 1,
					map[string]string{"provider": name, "op": op.kind})
				p.store.logger.Warn("mirror apply failed", map[string]interface{}{
					"provider": name,
					"op":       op.kind,
					"error":    err.Error(),
				})
				continue
			}
			p.store.metrics.RecordCounter("mirror_applied", 1,
				map[string]string{"provider": name, "op": op.kind})
		}
	}
}

// depths reports pending ops per secondary, for live stats.
func (p *mirrorPool) depths() map[string]int {
	out := make(map[string]int, len(p.queues))
	for _, q := range p.queues {
		out[q.target.Provider.Name()] = len(q.ch)
	}
	return out
}

// close stops the workers after a short drain grace period.
func (p *mirrorPool) close() {
	p.once.Do(func() {
		deadline := time.After(2 * time.Second)
	drain:
		for _, q := range p.queues {
			for len(q.ch) > 0 {
				select {
				case <-deadline:
					break drain
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		close(p.done)
	})
	p.wg.Wait()
}
