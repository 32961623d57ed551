package scheduler

import (
	"container/heap"
	"time"
)

// requestQueue keeps pending items ordered by priority, then admission order.
// Not safe for concurrent use; the scheduler mutex guards it.
type requestQueue struct {
	h itemHeap
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (q *requestQueue) Len() int { return len(q.h) }

func (q *requestQueue) Push(it *item) { heap.Push(&q.h, it) }

// PeekBest returns the item that would dispatch next among those matching
// keep, without removing it.
func (q *requestQueue) PeekBest(keep func(*item) bool) *item {
	var best *item
	for _, it := range q.h {
		if keep != nil && !keep(it) {
			continue
		}
		if best == nil || less(it, best) {
			best = it
		}
	}
	return best
}

// PopBest removes and returns the item that would dispatch next among those
// matching keep. Returns nil if none match.
func (q *requestQueue) PopBest(keep func(*item) bool) *item {
	bestIdx := -1
	for i, it := range q.h {
		if keep != nil && !keep(it) {
			continue
		}
		if bestIdx < 0 || less(it, q.h[bestIdx]) {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}
	return heap.Remove(&q.h, bestIdx).(*item)
}

// RemoveWhere removes every item matching drop and returns them.
func (q *requestQueue) RemoveWhere(drop func(*item) bool) []*item {
	var removed []*item
	kept := q.h[:0]
	for _, it := range q.h {
		if drop(it) {
			removed = append(removed, it)
		} else {
			kept = append(kept, it)
		}
	}
	// Zero the tail so removed items don't leak through the backing array.
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	return removed
}

// Position returns how many queued items would dispatch before id.
// Returns -1 if id is not queued.
func (q *requestQueue) Position(id string) int {
	var target *item
	for _, it := range q.h {
		if it.id == id {
			target = it
			break
		}
	}
	if target == nil {
		return -1
	}
	pos := 0
	for _, it := range q.h {
		if it != target && less(it, target) {
			pos++
		}
	}
	return pos
}

// CountByPriority returns pending counts keyed by priority name.
func (q *requestQueue) CountByPriority() map[string]int {
	if len(q.h) == 0 {
		return nil
	}
	m := make(map[string]int, 4)
	for _, it := range q.h {
		m[it.priority.String()]++
	}
	return m
}

// OldestEnqueuedAt returns the earliest admission time of any pending item.
func (q *requestQueue) OldestEnqueuedAt() (time.Time, bool) {
	var oldest time.Time
	for _, it := range q.h {
		if oldest.IsZero() || it.enqueuedAt.Before(oldest) {
			oldest = it.enqueuedAt
		}
	}
	return oldest, !oldest.IsZero()
}

func less(a, b *item) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}
