package coordinator

import "livesync/internal/models"

// OperationQueue is the bounded FIFO of operations submitted while offline.
// When full, the oldest entry is evicted to make room. Not safe for
// concurrent use; the coordinator guards it.
type OperationQueue struct {
	items    []models.Operation
	capacity int
}

func NewOperationQueue(capacity int) *OperationQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &OperationQueue{
		items:    make([]models.Operation, 0, capacity),
		capacity: capacity,
	}
}

// Push appends op. If the queue was full, the evicted operation is returned.
func (q *OperationQueue) Push(op models.Operation) (models.Operation, bool) {
	var evicted models.Operation
	dropped := false
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		dropped = true
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, op)
	return evicted, dropped
}

// Drain removes and returns every queued operation, oldest first.
func (q *OperationQueue) Drain() []models.Operation {
	out := make([]models.Operation, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

// Snapshot returns the queued operations without removing them.
func (q *OperationQueue) Snapshot() []models.Operation {
	out := make([]models.Operation, len(q.items))
	copy(out, q.items)
	return out
}

func (q *OperationQueue) Len() int {
	return len(q.items)
}

func (q *OperationQueue) Clear() {
	q.items = q.items[:0]
}
