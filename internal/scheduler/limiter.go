package scheduler

import "time"

// pacer tracks the last dispatch time and the consecutive-failure backoff.
//
// Only the dispatch paths mutate it (the loop, and the user-critical path,
// which is the single sanctioned exception). The scheduler mutex guards all
// access.
type pacer struct {
	interval    time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration

	lastDispatchAt      time.Time
	consecutiveFailures int
	backoff             time.Duration
}

func newPacer(cfg Config) pacer {
	return pacer{
		interval:    cfg.Interval,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		backoff:     cfg.BaseBackoff,
	}
}

// gap returns the mandatory spacing between dispatch start times: the fixed
// interval, stretched to the escalated backoff while the provider keeps
// rejecting calls. With zero consecutive failures the stored backoff is only
// the restart point for the next escalation, never a spacing floor.
func (p *pacer) gap() time.Duration {
	if p.consecutiveFailures > 0 && p.backoff > p.interval {
		return p.backoff
	}
	return p.interval
}

// delayUntilNext computes how long dispatch must still wait at time now.
// The first dispatch ever is never delayed.
func (p *pacer) delayUntilNext(now time.Time) time.Duration {
	if p.lastDispatchAt.IsZero() {
		return 0
	}
	d := p.gap() - now.Sub(p.lastDispatchAt)
	if d < 0 {
		return 0
	}
	return d
}

// markDispatch records a dispatch start. Call exactly once per dispatch,
// immediately before the unit of work runs.
func (p *pacer) markDispatch(now time.Time) {
	p.lastDispatchAt = now
}

func (p *pacer) recordSuccess() {
	p.consecutiveFailures = 0
	p.backoff = p.baseBackoff
}

// recordRateLimit escalates backoff to base*2^failures, capped at max.
func (p *pacer) recordRateLimit() {
	p.consecutiveFailures++
	d := p.baseBackoff
	for i := 0; i < p.consecutiveFailures; i++ {
		d *= 2
		if d >= p.maxBackoff {
			d = p.maxBackoff
			break
		}
	}
	if d > p.maxBackoff {
		d = p.maxBackoff
	}
	p.backoff = d
}
