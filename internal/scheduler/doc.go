// Package scheduler serializes all outbound calls to a quota-constrained
// external data provider.
//
// The provider enforces a hard cap of one call per fixed interval, so the
// whole package exists to protect one invariant: at most one unit of work is
// in flight at any instant, and consecutive dispatch start times are spaced
// by at least the configured interval (or the current backoff, if larger).
//
// A single loop goroutine owns dispatch. Callers submit opaque units of work
// with a priority and receive a Ticket that resolves when the work completes.
// Time-sensitive callers have two escape hatches: critical submissions that
// survive exclusive mode, and a synchronous user-critical path that bypasses
// queue ordering entirely (but never the interval).
package scheduler
