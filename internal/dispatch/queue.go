package dispatch

import "sync"

// Queue is an unbounded FIFO of actions with a single consumer. Enqueue never
// blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Action
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends actions in order and wakes the consumer.
func (q *Queue) Enqueue(actions ...Action) {
	if len(actions) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, actions...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued at call time.
func (q *Queue) Drain() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	batch := q.items
	q.items = nil
	return batch
}

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify fires after at least one Enqueue since the last receive.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
