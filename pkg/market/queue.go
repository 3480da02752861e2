package market

import "sync"

// DefaultMaxPending bounds the pending queue when no capacity is configured.
const DefaultMaxPending = 10_000

// PendingQueue holds the orders submitted since the last tick, in arrival
// order. It is safe for concurrent use.
type PendingQueue struct {
	mu       sync.Mutex
	orders   []OrderRequest
	capacity int
}

// NewPendingQueue returns a queue holding at most capacity orders.
// A capacity of zero or less means unbounded.
func NewPendingQueue(capacity int) *PendingQueue {
	return &PendingQueue{capacity: capacity}
}

// Push appends an order, or returns ErrQueueFull when the queue is at
// capacity.
func (q *PendingQueue) Push(o OrderRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.orders) >= q.capacity {
		return ErrQueueFull
	}
	q.orders = append(q.orders, o)
	return nil
}

// Drain removes and returns every queued order in arrival order.
func (q *PendingQueue) Drain() []OrderRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.orders
	q.orders = nil
	return out
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}
