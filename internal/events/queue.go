package events

import "sync"

// Queue is a bounded event buffer. Publish never blocks: when the queue is
// full the oldest event is discarded and counted.
type Queue struct {
	mu      sync.Mutex
	buf     []Event
	cap     int
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]Event, 0, capacity), cap: capacity}
}

// Publish appends an event, evicting the oldest one if needed.
func (q *Queue) Publish(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == q.cap {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
	}
	q.buf = append(q.buf, e)
}

// Drain returns the buffered events in publish order and empties the queue.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := make([]Event, len(q.buf))
	copy(out, q.buf)
	q.buf = q.buf[:0]
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped is the number of events evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
