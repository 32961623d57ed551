package scheduler

import "time"

// Snapshot is a point-in-time view for the status endpoint and diagnostics.
type Snapshot struct {
	QueueLen         int            `json:"queue_len"`
	PerPriority      map[string]int `json:"per_priority,omitempty"`
	InFlightID       string         `json:"in_flight_id,omitempty"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age"`

	TotalDispatched uint64 `json:"total_dispatched"`
	TotalFailed     uint64 `json:"total_failed"`

	LastDispatchAt      time.Time     `json:"last_dispatch_at"`
	NextDispatchIn      time.Duration `json:"next_dispatch_in"`
	Interval            time.Duration `json:"interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"current_backoff"`

	ExclusiveMode    bool   `json:"exclusive_mode"`
	AwaitingCritical bool   `json:"awaiting_critical,omitempty"`
	AwaitCorrelation string `json:"await_correlation,omitempty"`
	GlobalPause      bool   `json:"global_pause"`
	SchedulerPaused  bool   `json:"scheduler_paused"`

	RegistrySize int `json:"registry_size"`
}

// Snapshot returns the current scheduler state. Intended for observability,
// not synchronization.
func (s *Scheduler) Snapshot() Snapshot {
	now := time.Now()

	s.mu.Lock()
	snap := Snapshot{
		QueueLen:            s.queue.Len(),
		PerPriority:         s.queue.CountByPriority(),
		InFlightID:          s.inFlightID,
		TotalDispatched:     s.totalDispatched,
		TotalFailed:         s.totalFailed,
		LastDispatchAt:      s.pacer.lastDispatchAt,
		NextDispatchIn:      s.pacer.delayUntilNext(now),
		Interval:            s.cfg.Interval,
		ConsecutiveFailures: s.pacer.consecutiveFailures,
		CurrentBackoff:      s.pacer.backoff,
		ExclusiveMode:       s.exclusive,
		AwaitingCritical:    s.awaiting,
		AwaitCorrelation:    s.awaitCorrelation,
		GlobalPause:         s.globalPause,
		SchedulerPaused:     s.paused,
	}
	if oldest, ok := s.queue.OldestEnqueuedAt(); ok {
		snap.OldestPendingAge = now.Sub(oldest)
	}
	s.mu.Unlock()

	snap.RegistrySize = s.reg.len()
	return snap
}
