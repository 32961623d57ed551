package scheduler

import (
	"sort"
	"sync"
	"time"
)

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusInFlight RequestStatus = "in_flight"
	StatusDone     RequestStatus = "done"
	StatusFailed   RequestStatus = "failed"
)

// StatusInfo is the poller's view of one request.
type StatusInfo struct {
	ID          string
	Priority    Priority
	Description string
	Critical    bool
	Status      RequestStatus
	EnqueuedAt  time.Time
	StartedAt   time.Time
	DoneAt      time.Time

	// Result and Err are populated exactly once, when Status becomes
	// done/failed.
	Result any
	Err    error
}

// registry maps request ids to lifecycle status for asynchronous polling.
//
// Completed records are retained for a bounded window so late pollers still
// see their outcome, then evicted: TTL first, then oldest-by-completion when
// the map exceeds the cap. Requests can be created faster than anyone polls
// them, so keeping records forever would steadily retain memory.
type registry struct {
	mu   sync.Mutex
	recs map[string]*StatusInfo
	ttl  time.Duration
	max  int
}

func newRegistry(cfg Config) *registry {
	return &registry{
		recs: make(map[string]*StatusInfo),
		ttl:  cfg.RetentionTTL,
		max:  cfg.RetentionMax,
	}
}

func (r *registry) put(it *item) {
	r.mu.Lock()
	r.recs[it.id] = &StatusInfo{
		ID:          it.id,
		Priority:    it.priority,
		Description: it.description,
		Critical:    it.critical,
		Status:      StatusPending,
		EnqueuedAt:  it.enqueuedAt,
	}
	r.pruneLocked(time.Now())
	r.mu.Unlock()
}

func (r *registry) markInFlight(id string, now time.Time) {
	r.mu.Lock()
	if rec := r.recs[id]; rec != nil {
		rec.Status = StatusInFlight
		rec.StartedAt = now
	}
	r.mu.Unlock()
}

// complete writes the terminal state. Result/Err are written exactly once;
// later calls for the same id are ignored.
func (r *registry) complete(id string, now time.Time, result any, err error) {
	r.mu.Lock()
	if rec := r.recs[id]; rec != nil && rec.Status != StatusDone && rec.Status != StatusFailed {
		rec.DoneAt = now
		if err != nil {
			rec.Status = StatusFailed
			rec.Err = err
		} else {
			rec.Status = StatusDone
			rec.Result = result
		}
	}
	r.mu.Unlock()
}

func (r *registry) get(id string) (StatusInfo, error) {
	r.mu.Lock()
	rec := r.recs[id]
	if rec == nil {
		r.mu.Unlock()
		return StatusInfo{}, ErrNotFound
	}
	cp := *rec
	r.mu.Unlock()
	return cp, nil
}

func (r *registry) len() int {
	r.mu.Lock()
	n := len(r.recs)
	r.mu.Unlock()
	return n
}

// pruneLocked evicts terminal records past the TTL, then drops the oldest
// completed records until the map fits the cap. Pending/in-flight records
// are never evicted.
func (r *registry) pruneLocked(now time.Time) {
	for id, rec := range r.recs {
		if rec == nil {
			delete(r.recs, id)
			continue
		}
		if rec.DoneAt.IsZero() {
			continue
		}
		if now.Sub(rec.DoneAt) > r.ttl {
			delete(r.recs, id)
		}
	}

	if len(r.recs) <= r.max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	done := make([]kv, 0, len(r.recs))
	for id, rec := range r.recs {
		if !rec.DoneAt.IsZero() {
			done = append(done, kv{id: id, t: rec.DoneAt})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].t.Before(done[j].t) })

	excess := len(r.recs) - r.max
	for i := 0; i < excess && i < len(done); i++ {
		delete(r.recs, done[i].id)
	}
}
