package serial

import (
	"sync"
	"time"
)

// BufferedFilter accumulates matching tokens, in arrival order, up to a fixed
// capacity. A caller either blocks for a full batch with WaitForCapacity or
// takes whatever has arrived so far with Drain. While a WaitForCapacity
// caller is pending, nothing is dropped, so the waiter always receives the
// first full batch in arrival order; with no waiter, a full buffer drops its
// oldest token to make room.
type BufferedFilter struct {
	listener *SerialListener
	handle   FilterHandle
	capacity int

	mu      sync.Mutex
	tokens  []string
	waiting int
	full    chan struct{}
}

// CreateBufferedFilter registers a filter that collects matches into an
// ordered buffer of the given capacity. Capacity must be at least 1.
func (l *SerialListener) CreateBufferedFilter(comparator Comparator, capacity int) *BufferedFilter {
	if capacity < 1 {
		capacity = 1
	}
	bf := &BufferedFilter{
		listener: l,
		capacity: capacity,
		full:     make(chan struct{}, 1),
	}
	bf.handle = l.CreateFilter(comparator, bf.append)
	return bf
}

func (bf *BufferedFilter) append(token string) {
	bf.mu.Lock()
	// The circular drop applies only when nobody is waiting; a pending
	// waiter must see the first full batch, so the buffer grows past
	// capacity until the waiter consumes it.
	if bf.waiting == 0 && len(bf.tokens) == bf.capacity {
		bf.tokens = bf.tokens[1:]
	}
	bf.tokens = append(bf.tokens, token)
	ready := len(bf.tokens) >= bf.capacity
	bf.mu.Unlock()
	if ready {
		select {
		case bf.full <- struct{}{}:
		default:
		}
	}
}

// WaitForCapacity blocks until the buffer holds a full batch of capacity
// tokens, returning the oldest capacity tokens in arrival order and leaving
// any later arrivals buffered. If timeout elapses first it returns
// ErrMatchTimeout and the partial batch is preserved for a later Drain or
// WaitForCapacity.
func (bf *BufferedFilter) WaitForCapacity(timeout time.Duration) ([]string, error) {
	bf.mu.Lock()
	bf.waiting++
	bf.mu.Unlock()
	defer bf.release()

	deadline := time.Now().Add(timeout)
	for {
		bf.mu.Lock()
		if len(bf.tokens) >= bf.capacity {
			batch := bf.tokens[:bf.capacity:bf.capacity]
			bf.tokens = append([]string(nil), bf.tokens[bf.capacity:]...)
			bf.mu.Unlock()
			return batch, nil
		}
		bf.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrMatchTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-bf.full:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// release drops the waiter registration and re-applies the circular cap to
// anything that accumulated past capacity while the waiter was pending.
func (bf *BufferedFilter) release() {
	bf.mu.Lock()
	bf.waiting--
	if bf.waiting == 0 && len(bf.tokens) > bf.capacity {
		bf.tokens = bf.tokens[len(bf.tokens)-bf.capacity:]
	}
	bf.mu.Unlock()
}

// Drain returns whatever has accumulated so far, in arrival order, and resets
// the buffer. It never blocks.
func (bf *BufferedFilter) Drain() []string {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	batch := bf.tokens
	bf.tokens = nil
	return batch
}

// Count returns the number of tokens currently buffered.
func (bf *BufferedFilter) Count() int {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return len(bf.tokens)
}

// Remove unregisters the underlying filter. Buffered tokens stay available
// through Drain.
func (bf *BufferedFilter) Remove() {
	bf.listener.RemoveFilter(bf.handle)
}
