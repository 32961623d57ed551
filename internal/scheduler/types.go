package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Priority orders pending requests. Lower values dispatch first; within one
// level items are strictly FIFO by admission order.
//
// A continuous stream of PriorityUser submissions can delay a PrioritySystem
// item indefinitely. That is an accepted tradeoff: user-facing latency wins
// over background freshness.
type Priority int

const (
	PriorityUserCritical Priority = iota
	PriorityCritical
	PriorityUser
	PrioritySystem
)

func (p Priority) String() string {
	switch p {
	case PriorityUserCritical:
		return "user_critical"
	case PriorityCritical:
		return "critical"
	case PriorityUser:
		return "user"
	case PrioritySystem:
		return "system"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses the wire form used by the HTTP layer and config.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user_critical", "user-critical":
		return PriorityUserCritical, nil
	case "critical":
		return PriorityCritical, nil
	case "user":
		return PriorityUser, nil
	case "system", "":
		return PrioritySystem, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Work is the opaque unit of work a caller wants executed under the quota.
// The scheduler owns it exclusively from admission until it returns.
type Work func(ctx context.Context) (any, error)

// Config controls dispatch pacing and status retention.
//
// All fields have safe defaults; a zero Config is usable.
type Config struct {
	// Interval is the minimum gap between dispatch start times.
	Interval time.Duration

	// BaseBackoff and MaxBackoff bound the exponential backoff applied after
	// consecutive provider rate-limit rejections.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RetentionTTL and RetentionMax bound the status registry. Completed
	// records older than the TTL are evicted; the map never exceeds the cap.
	RetentionTTL time.Duration
	RetentionMax int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 15 * time.Minute
	}
	if c.RetentionMax <= 0 {
		c.RetentionMax = 512
	}
	return c
}

// ExclusiveOptions controls EnterExclusiveMode.
type ExclusiveOptions struct {
	// PreserveUserItems keeps queued user-priority items instead of rejecting
	// them. They stay queued but do not run until exclusive mode exits.
	PreserveUserItems bool

	// AwaitCorrelation, when non-empty, arms an internal awaiting flag that
	// the loop clears once a critical item carrying the same correlation
	// token completes. Exclusive mode itself stays on until ExitExclusiveMode.
	AwaitCorrelation string
}

// Ticket is the caller's handle on a submitted request. It resolves exactly
// once, when the work completes or the item is rejected.
type Ticket struct {
	id string

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

func (t *Ticket) ID() string { return t.id }

// Done is closed once the request reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only valid after Done is closed.
func (t *Ticket) Result() (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, fmt.Errorf("request %s not finished", t.id)
	}
}

// Wait blocks until the request resolves or ctx is canceled.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolvedTicket builds an already-finished ticket. Intended for fakes that
// implement the submit surface without running a dispatch loop.
func ResolvedTicket(id string, result any, err error) *Ticket {
	t := newTicket(id)
	t.resolve(result, err)
	return t
}

func (t *Ticket) resolve(result any, err error) {
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
	})
}

// item is a queued request. Owned by the queue while pending; ownership
// transfers to the dispatch loop when popped.
type item struct {
	id          string
	priority    Priority
	work        Work
	description string
	correlation string
	critical    bool
	enqueuedAt  time.Time
	seq         uint64

	ticket *Ticket
}
