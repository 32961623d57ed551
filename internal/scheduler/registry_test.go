package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testRegistry(ttl time.Duration, max int) *registry {
	return newRegistry(Config{RetentionTTL: ttl, RetentionMax: max}.withDefaults())
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	r := testRegistry(time.Minute, 10)
	it := mkItem("r1", PriorityUser, 1)
	it.description = "quote refresh"
	r.put(it)

	info, err := r.get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.Status != StatusPending || info.Description != "quote refresh" {
		t.Fatalf("unexpected record: %+v", info)
	}

	now := time.Now()
	r.markInFlight("r1", now)
	if info, _ = r.get("r1"); info.Status != StatusInFlight {
		t.Fatalf("status = %s, want in_flight", info.Status)
	}

	r.complete("r1", now, "payload", nil)
	info, _ = r.get("r1")
	if info.Status != StatusDone || info.Result != "payload" {
		t.Fatalf("unexpected terminal record: %+v", info)
	}

	// Terminal state is written once; a later complete is ignored.
	r.complete("r1", now, nil, errors.New("late"))
	if info, _ = r.get("r1"); info.Status != StatusDone || info.Err != nil {
		t.Fatalf("terminal state overwritten: %+v", info)
	}
}

func TestRegistryNotFound(t *testing.T) {
	t.Parallel()
	r := testRegistry(time.Minute, 10)
	if _, err := r.get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryTTLPrune(t *testing.T) {
	t.Parallel()
	r := testRegistry(10*time.Millisecond, 100)

	old := mkItem("old", PrioritySystem, 1)
	r.put(old)
	r.complete("old", time.Now().Add(-time.Second), nil, nil)

	// Next put triggers the prune.
	r.put(mkItem("new", PrioritySystem, 2))

	if _, err := r.get("old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be evicted, err = %v", err)
	}
	if _, err := r.get("new"); err != nil {
		t.Fatalf("fresh record evicted: %v", err)
	}
}

func TestRegistryCapPrunesOldestCompleted(t *testing.T) {
	t.Parallel()
	r := testRegistry(time.Hour, 5)
	base := time.Now()

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("r%d", i)
		r.put(mkItem(id, PrioritySystem, uint64(i)))
		r.complete(id, base.Add(time.Duration(i)*time.Second), nil, nil)
	}

	if n := r.len(); n > 5 {
		t.Fatalf("registry size = %d, want <= 5", n)
	}
	// Newest completions survive.
	if _, err := r.get("r7"); err != nil {
		t.Fatalf("newest record evicted: %v", err)
	}
	if _, err := r.get("r0"); !errors.Is(err, ErrNotFound) {
		t.Fatal("oldest record should have been evicted first")
	}
}

func TestRegistryNeverEvictsPending(t *testing.T) {
	t.Parallel()
	r := testRegistry(time.Hour, 3)
	for i := 0; i < 6; i++ {
		r.put(mkItem(fmt.Sprintf("p%d", i), PrioritySystem, uint64(i)))
	}
	// All records are pending; none are eligible for eviction.
	if n := r.len(); n != 6 {
		t.Fatalf("registry size = %d, want 6", n)
	}
}
