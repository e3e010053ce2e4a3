package serial

import "fmt"

// Comparator decides whether a completed token is of interest to a filter.
type Comparator func(token string) bool

// DataCallback receives a matching token on the dispatch goroutine.
type DataCallback func(token string)

// FilterHandle identifies a registered filter. Handles are never reused, so a
// handle kept past RemoveFilter stays inert rather than aliasing a newer
// filter.
type FilterHandle uint64

type filter struct {
	comparator Comparator
	callback   DataCallback
}

// CreateFilter registers a comparator/callback pair and returns its handle.
// Filters may be registered at any time, including while listening; a filter
// registered mid-stream only sees tokens completed after registration.
func (l *SerialListener) CreateFilter(comparator Comparator, callback DataCallback) FilterHandle {
	l.filterMu.Lock()
	defer l.filterMu.Unlock()
	l.nextHandle++
	h := l.nextHandle
	l.filters[h] = &filter{comparator: comparator, callback: callback}
	return h
}

// RemoveFilter unregisters the filter identified by handle. The filter matches
// no token tokenized after removal, but match records already enqueued for it
// are still dispatched. Removing an unknown or already-removed handle is a
// no-op.
func (l *SerialListener) RemoveFilter(handle FilterHandle) {
	l.filterMu.Lock()
	defer l.filterMu.Unlock()
	delete(l.filters, handle)
}

// RemoveAllFilters unregisters every filter and discards any pending match
// records.
func (l *SerialListener) RemoveAllFilters() {
	l.filterMu.Lock()
	defer l.filterMu.Unlock()
	l.filters = make(map[FilterHandle]*filter)
	l.queue.clear()
}

// filterTokens runs every completed token through every registered filter, in
// token emission order, pushing a match record per hit. The remainder never
// reaches this point. Only comparators run under the registry lock; callbacks
// fire later on the dispatch goroutine.
func (l *SerialListener) filterTokens(tokens []string) {
	l.filterMu.RLock()
	defer l.filterMu.RUnlock()
	for _, token := range tokens {
		for _, f := range l.filters {
			if l.compare(f, token) {
				l.queue.push(match{filter: f, token: token})
			}
		}
	}
}

// compare evaluates one comparator; a panic is recovered here so it cannot
// take down the read loop or starve the remaining filters.
func (l *SerialListener) compare(f *filter, token string) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			l.handleErr(fmt.Errorf("comparator panicked on %q: %v", token, r))
			matched = false
		}
	}()
	return f.comparator(token)
}
