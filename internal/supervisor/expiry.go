package supervisor

import (
	"container/heap"
	"time"
)

// channelEventKey identifies one in-flight (channel, event type) pair.
type channelEventKey struct {
	channelID int
	eventType string
}

// inFlight is one currently-active event awaiting either a fresh refresh
// or expiry (the supervisor's "cleared" inference, §9).
type inFlight struct {
	key       channelEventKey
	expiresAt time.Time
	heapIndex int
}

// expiryHeap is a container/heap min-heap over inFlight.expiresAt,
// giving O(log n) push/fix on refresh and O(log n) pop on expiry scan.
type expiryHeap []*inFlight

func (h expiryHeap) Len() int { return len(h) }
func (h expiryHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *expiryHeap) Push(x any) {
	item := x.(*inFlight)
	item.heapIndex = len(*h)
	*h = append(*h, item)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*h = old[:n-1]
	return item
}

// expiryTracker pairs the heap with a lookup map so refresh/clear are
// O(log n) instead of a linear scan.
type expiryTracker struct {
	h   expiryHeap
	idx map[channelEventKey]*inFlight
}

func newExpiryTracker() *expiryTracker {
	return &expiryTracker{idx: make(map[channelEventKey]*inFlight)}
}

// upsert refreshes an existing in-flight entry's expiry or inserts a new
// one, maintaining the heap invariant either way.
func (t *expiryTracker) upsert(key channelEventKey, expiresAt time.Time) {
	if existing, ok := t.idx[key]; ok {
		existing.expiresAt = expiresAt
		heap.Fix(&t.h, existing.heapIndex)
		return
	}
	item := &inFlight{key: key, expiresAt: expiresAt}
	t.idx[key] = item
	heap.Push(&t.h, item)
}

// remove drops a key (e.g. an explicit inactive event arrived).
func (t *expiryTracker) remove(key channelEventKey) {
	item, ok := t.idx[key]
	if !ok {
		return
	}
	heap.Remove(&t.h, item.heapIndex)
	delete(t.idx, key)
}

// contains reports whether key is currently in-flight.
func (t *expiryTracker) contains(key channelEventKey) bool {
	_, ok := t.idx[key]
	return ok
}

// nextExpiry returns the earliest expiresAt in the tracker, if any.
func (t *expiryTracker) nextExpiry() (time.Time, bool) {
	if len(t.h) == 0 {
		return time.Time{}, false
	}
	return t.h[0].expiresAt, true
}

// popExpired removes and returns every entry whose expiresAt is <= now.
func (t *expiryTracker) popExpired(now time.Time) []channelEventKey {
	var expired []channelEventKey
	for len(t.h) > 0 && !t.h[0].expiresAt.After(now) {
		item := heap.Pop(&t.h).(*inFlight)
		delete(t.idx, item.key)
		expired = append(expired, item.key)
	}
	return expired
}

// keys returns every currently in-flight key, for forced-close on drain.
func (t *expiryTracker) keys() []channelEventKey {
	keys := make([]channelEventKey, 0, len(t.idx))
	for k := range t.idx {
		keys = append(keys, k)
	}
	return keys
}

// clear empties the tracker.
func (t *expiryTracker) clear() {
	t.h = nil
	t.idx = make(map[channelEventKey]*inFlight)
}
