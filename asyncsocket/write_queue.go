package asyncsocket

import (
	"sync"

	"github.com/eapache/queue"
)

// writeQueue is the FIFO of pending writes for one connection. Send pushes
// onto it without blocking and a single writer goroutine drains it, so
// writes reach the socket in the order Send was called. A positive limit
// caps the number of pending writes.
type writeQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	limit  int
	closed bool
	signal chan struct{}
}

func newWriteQueue(limit int) *writeQueue {
	return &writeQueue{
		items:  queue.New(),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push enqueues b. It fails with errWriteQueueClosed once the queue is
// closed and with ErrWriteQueueFull when limit writes are already pending.
func (q *writeQueue) push(b []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errWriteQueueClosed
	}

	if q.limit > 0 && q.items.Length() >= q.limit {
		q.mu.Unlock()
		return ErrWriteQueueFull
	}

	q.items.Add(b)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// pop dequeues the oldest pending write.
func (q *writeQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		return nil, false
	}

	return q.items.Remove().([]byte), true
}

// close rejects further pushes and drops what is still pending. It returns
// the number of dropped writes.
func (q *writeQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	q.closed = true
	dropped := q.items.Length()
	q.items = queue.New()
	return dropped
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
