package unified

import (
	"sync"

	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/observability"
)

// Event types delivered to subscribers.
const (
	EventMemoryStored  = "memory.stored"
	EventMemoryDeleted = "memory.deleted"
)

// Event is a store lifecycle notification. Memory is set for stores,
// MemoryID for deletes.
type Event struct {
	Type     string
	Memory   *memory.Memory
	MemoryID uuid.UUID
}

// Notifier receives store events. Implementations must not block: slow
// consumers lose events rather than stalling writes.
type Notifier interface {
	Notify(Event)
}

// LogNotifier logs store events. It stands in for the graph extractor
// until a real consumer is attached.
type LogNotifier struct {
	logger observability.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LogNotifier{logger: logger.WithPrefix("graph-notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ev Event) {
	fields := map[string]interface{}{"type": ev.Type}
	if ev.Memory != nil {
		fields["memory_id"] = ev.Memory.ID.String()
	} else if ev.MemoryID != uuid.Nil {
		fields["memory_id"] = ev.MemoryID.String()
	}
	n.logger.Debug("store event", fields)
}

// notifyHub fans events out to subscribers through a bounded channel with
// drop-oldest overflow, mirroring the mirror-queue policy.
type notifyHub struct {
	mu          sync.Mutex
	subscribers []Notifier

	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	logger  observability.Logger
	metrics observability.MetricsClient
}

func newNotifyHub(queueSize int, logger observability.Logger, metrics observability.MetricsClient) *notifyHub {
	h := &notifyHub{
		ch:      make(chan Event, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *notifyHub) subscribe(n Notifier) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, n)
	h.mu.Unlock()
}

func (h *notifyHub) publish(ev Event) {
	select {
	case h.ch <- ev:
		return
	default:
	}
	select {
	case <-h.ch:
		h.metrics.RecordCounter("notify_dropped", 1, map[string]string{"type": ev.Type})
	default:
	}
	select {
	case h.ch <- ev:
	default:
		h.metrics.RecordCounter("notify_dropped", 1, map[string]string{"type": ev.Type})
	}
}

func (h *notifyHub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.ch:
			h.mu.Lock()
			subs := make([]Notifier, len(h.subscribers))
			copy(subs, h.subscribers)
			h.mu.Unlock()
			for _, n := range subs {
				n.Notify(ev)
			}
		}
	}
}

func (h *notifyHub) close() {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
}
