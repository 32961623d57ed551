package scheduler

import (
	"testing"
	"time"
)

func mkItem(id string, p Priority, seq uint64) *item {
	return &item{id: id, priority: p, seq: seq, enqueuedAt: time.Now(), ticket: newTicket(id)}
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()
	var q requestQueue
	q.Push(mkItem("a", PrioritySystem, 1))
	q.Push(mkItem("b", PrioritySystem, 2))
	q.Push(mkItem("c", PriorityUser, 3))
	q.Push(mkItem("d", PriorityCritical, 4))

	want := []string{"d", "c", "a", "b"}
	for i, id := range want {
		it := q.PopBest(nil)
		if it == nil {
			t.Fatalf("pop %d: queue empty", i)
		}
		if it.id != id {
			t.Fatalf("pop %d = %s, want %s", i, it.id, id)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d left", q.Len())
	}
}

func TestQueuePopBestFilter(t *testing.T) {
	t.Parallel()
	var q requestQueue
	q.Push(mkItem("user", PriorityUser, 1))
	crit := mkItem("crit", PriorityCritical, 2)
	crit.critical = true
	q.Push(crit)

	got := q.PopBest(func(it *item) bool { return it.critical })
	if got == nil || got.id != "crit" {
		t.Fatalf("PopBest(critical) = %v, want crit", got)
	}
	if q.PopBest(func(it *item) bool { return it.critical }) != nil {
		t.Fatal("expected no more critical items")
	}
	if q.Len() != 1 {
		t.Fatalf("non-critical item should remain, len=%d", q.Len())
	}
}

func TestQueuePosition(t *testing.T) {
	t.Parallel()
	var q requestQueue
	q.Push(mkItem("s1", PrioritySystem, 1))
	q.Push(mkItem("s2", PrioritySystem, 2))
	q.Push(mkItem("u1", PriorityUser, 3))

	tests := []struct {
		id  string
		pos int
	}{
		{"u1", 0},
		{"s1", 1},
		{"s2", 2},
		{"missing", -1},
	}
	for _, tt := range tests {
		if got := q.Position(tt.id); got != tt.pos {
			t.Fatalf("Position(%s) = %d, want %d", tt.id, got, tt.pos)
		}
	}
}

func TestQueueRemoveWhere(t *testing.T) {
	t.Parallel()
	var q requestQueue
	q.Push(mkItem("s1", PrioritySystem, 1))
	crit := mkItem("c1", PriorityCritical, 2)
	crit.critical = true
	q.Push(crit)
	q.Push(mkItem("u1", PriorityUser, 3))

	removed := q.RemoveWhere(func(it *item) bool { return !it.critical })
	if len(removed) != 2 {
		t.Fatalf("removed %d items, want 2", len(removed))
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
	if it := q.PopBest(nil); it == nil || it.id != "c1" {
		t.Fatalf("survivor = %v, want c1", it)
	}
}

func TestQueueCounts(t *testing.T) {
	t.Parallel()
	var q requestQueue
	if q.CountByPriority() != nil {
		t.Fatal("empty queue should return nil counts")
	}
	q.Push(mkItem("s1", PrioritySystem, 1))
	q.Push(mkItem("s2", PrioritySystem, 2))
	q.Push(mkItem("u1", PriorityUser, 3))

	counts := q.CountByPriority()
	if counts["system"] != 2 || counts["user"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
