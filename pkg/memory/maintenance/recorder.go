package maintenance

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultRecorderCap bounds the pending-access buffer. Overflow drops the
// newest entries; access counts are advisory, not a ledger.
const DefaultRecorderCap = 10000

// AccessRecorder buffers the ids touched by reads so access bookkeeping
// can be flushed in batches instead of one UPDATE per read.
type AccessRecorder struct {
	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	cap     int
}

// NewAccessRecorder creates a recorder holding at most capacity distinct ids.
func NewAccessRecorder(capacity int) *AccessRecorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCap
	}
	return &AccessRecorder{
		pending: make(map[uuid.UUID]struct{}),
		cap:     capacity,
	}
}

// Record notes that the given memories were read.
func (r *AccessRecorder) Record(ids ...uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if len(r.pending) >= r.cap {
			return
		}
		r.pending[id] = struct{}{}
	}
}

// Drain returns and clears the buffered ids.
func (r *AccessRecorder) Drain() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	r.pending = make(map[uuid.UUID]struct{})
	return out
}

// Len reports the number of buffered ids.
func (r *AccessRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
