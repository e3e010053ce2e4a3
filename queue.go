package serial

import (
	"sync"
	"time"
)

// match is a transient (filter, token) record produced by the matching engine
// and consumed exactly once by the dispatcher.
type match struct {
	filter *filter
	token  string
}

// matchQueue is an unbounded FIFO shared between the read goroutine (producer)
// and the dispatch goroutine (consumer). push never blocks; pop waits up to a
// timeout for an item.
type matchQueue struct {
	mu     sync.Mutex
	items  []match
	signal chan struct{}
}

func newMatchQueue() *matchQueue {
	return &matchQueue{signal: make(chan struct{}, 1)}
}

func (q *matchQueue) push(m match) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest record, waiting up to timeout for one to
// arrive. The second result is false if the timeout elapsed with the queue
// still empty.
func (q *matchQueue) pop(timeout time.Duration) (match, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return match{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *matchQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *matchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
