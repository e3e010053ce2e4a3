package serial

import "time"

// BlockingFilter converts callback delivery into a single synchronous wait.
// It is single-shot and single-waiter: the first matching token is delivered
// to Wait exactly once, after which the underlying filter is unregistered.
// Create a new instance to wait again.
type BlockingFilter struct {
	listener *SerialListener
	handle   FilterHandle
	result   chan string
}

// CreateBlockingFilter registers a filter whose first match is handed to a
// subsequent Wait call.
func (l *SerialListener) CreateBlockingFilter(comparator Comparator) *BlockingFilter {
	bf := &BlockingFilter{
		listener: l,
		result:   make(chan string, 1),
	}
	bf.handle = l.CreateFilter(comparator, func(token string) {
		// Only the first match fits; stale matches dispatched after the
		// filter was removed land here too and are dropped the same way.
		select {
		case bf.result <- token:
		default:
		}
	})
	return bf
}

// Wait blocks until the first matching token arrives or timeout elapses, in
// which case it returns ErrMatchTimeout. Either way the underlying filter is
// removed before Wait returns, so no match can be delivered after the caller
// has given up.
func (bf *BlockingFilter) Wait(timeout time.Duration) (string, error) {
	defer bf.listener.RemoveFilter(bf.handle)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case token := <-bf.result:
		return token, nil
	case <-timer.C:
		return "", ErrMatchTimeout
	}
}
