package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"quotaq/internal/eventbus"
	logx "quotaq/pkg/logx"
)

// Scheduler owns the priority queue, the pacer, and the status registry, and
// drives the single serialized dispatch loop.
//
// One instance is created by the application's composition root and handed to
// every collaborator; there is no package-level instance.
type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu    sync.Mutex
	queue requestQueue
	pacer pacer

	exclusive        bool
	awaitCorrelation string
	awaiting         bool
	globalPause      bool
	paused           bool

	inFlightID      string
	totalDispatched uint64
	totalFailed     uint64

	seq   uint64
	idSeq uint64

	reg *registry

	wake     chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}

	// dispatchMu is held for the full execution of any unit of work, by both
	// the loop and the user-critical path. Single-flight reduces to "this
	// mutex exists".
	dispatchMu sync.Mutex
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		pacer: newPacer(cfg),
		reg:   newRegistry(cfg),
		wake:  make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.mu.Unlock()

	go func() {
		defer close(stopDone)
		s.loop(ctx, stopCh)
	}()

	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Duration("base_backoff", s.cfg.BaseBackoff),
		logx.Duration("max_backoff", s.cfg.MaxBackoff))
}

// Stop halts the loop after any in-flight dispatch returns. Pending tickets
// are left unresolved; callers waiting on them should bound their own wait.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-stopDone:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply updates pacing and retention tunables at runtime. The new interval
// takes effect at the next wait computation.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.pacer.interval = cfg.Interval
	s.pacer.baseBackoff = cfg.BaseBackoff
	s.pacer.maxBackoff = cfg.MaxBackoff
	if s.pacer.backoff < cfg.BaseBackoff {
		s.pacer.backoff = cfg.BaseBackoff
	}
	s.reg.mu.Lock()
	s.reg.ttl = cfg.RetentionTTL
	s.reg.max = cfg.RetentionMax
	s.reg.mu.Unlock()
	s.mu.Unlock()
	s.signalWake()
}

// ---- Admission ----

// Submit admits a unit of work at the given priority.
//
// While exclusive mode is active every non-critical submission is rejected
// immediately with ErrExclusiveMode, without queueing.
func (s *Scheduler) Submit(work Work, priority Priority, description string) (*Ticket, error) {
	return s.admit(work, priority, description, "", false)
}

// SubmitCritical admits a unit of work that survives exclusive mode.
// correlationID is the token EnterExclusiveMode's AwaitCorrelation matches
// against; pass "" when nothing awaits this item.
func (s *Scheduler) SubmitCritical(work Work, description, correlationID string) (*Ticket, error) {
	return s.admit(work, PriorityCritical, description, correlationID, true)
}

func (s *Scheduler) admit(work Work, priority Priority, description, correlationID string, critical bool) (*Ticket, error) {
	if work == nil {
		return nil, fmt.Errorf("work is nil")
	}

	now := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.exclusive && !critical {
		s.mu.Unlock()
		s.publish(eventbus.TypeRequestRejected, eventbus.RequestEvent{
			Priority:    priority.String(),
			Description: description,
			Error:       ErrExclusiveMode.Error(),
		})
		return nil, ErrExclusiveMode
	}

	it := &item{
		id:          s.nextIDLocked(now),
		priority:    priority,
		work:        work,
		description: description,
		correlation: correlationID,
		critical:    critical,
		enqueuedAt:  now,
		seq:         s.nextSeqLocked(),
	}
	it.ticket = newTicket(it.id)
	s.queue.Push(it)
	s.reg.put(it)
	s.mu.Unlock()

	s.log.Debug("request enqueued",
		logx.String("id", it.id),
		logx.String("priority", priority.String()),
		logx.String("desc", description),
		logx.Bool("critical", critical))
	s.publish(eventbus.TypeRequestEnqueued, eventbus.RequestEvent{
		ID:          it.id,
		Priority:    priority.String(),
		Description: description,
		Critical:    critical,
	})
	s.signalWake()
	return it.ticket, nil
}

// SubmitUserCritical executes work synchronously, bypassing queue ordering.
//
// It sets the global pause so the loop dispatches nothing while it runs,
// still honors the pacer's minimum-interval wait, and clears the pause in a
// deferred cleanup on every path. It is the only caller besides the loop
// that writes pacer state.
func (s *Scheduler) SubmitUserCritical(ctx context.Context, work Work, description string) (any, error) {
	if work == nil {
		return nil, fmt.Errorf("work is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.globalPause = true
	it := &item{
		id:          s.nextIDLocked(now),
		priority:    PriorityUserCritical,
		work:        work,
		description: description,
		critical:    true,
		enqueuedAt:  now,
		seq:         s.nextSeqLocked(),
	}
	s.reg.put(it)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.globalPause = false
		s.mu.Unlock()
		s.signalWake()
	}()

	s.log.Info("user-critical request", logx.String("id", it.id), logx.String("desc", description))

	// Take the dispatch slot. If the loop is mid-dispatch this waits for it.
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	// Exempt from queue ordering, not from the interval.
	for {
		s.mu.Lock()
		wait := s.pacer.delayUntilNext(time.Now())
		if wait <= 0 {
			start := time.Now()
			s.pacer.markDispatch(start)
			s.inFlightID = it.id
			s.reg.markInFlight(it.id, start)
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.finishDispatch(it, time.Time{}, nil, ctx.Err())
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	start := time.Now()
	result, err := runWork(ctx, work, s.log, it)
	s.finishDispatch(it, start, result, err)
	return result, err
}

// ---- Exclusive mode ----

// EnterExclusiveMode switches the scheduler to critical-only admission and
// synchronously rejects every queued item that is neither critical nor (when
// PreserveUserItems is set) user-priority.
func (s *Scheduler) EnterExclusiveMode(opts ExclusiveOptions) {
	now := time.Now()
	s.mu.Lock()
	s.exclusive = true
	s.awaitCorrelation = opts.AwaitCorrelation
	s.awaiting = opts.AwaitCorrelation != ""
	removed := s.queue.RemoveWhere(func(it *item) bool {
		if it.critical {
			return false
		}
		if opts.PreserveUserItems && it.priority <= PriorityUser {
			return false
		}
		return true
	})
	s.mu.Unlock()

	for _, it := range removed {
		s.reg.complete(it.id, now, nil, ErrQueueCleared)
		it.ticket.resolve(nil, ErrQueueCleared)
		s.publish(eventbus.TypeRequestRejected, eventbus.RequestEvent{
			ID:          it.id,
			Priority:    it.priority.String(),
			Description: it.description,
			Error:       ErrQueueCleared.Error(),
		})
	}
	s.log.Info("exclusive mode entered",
		logx.Int("rejected", len(removed)),
		logx.Bool("preserve_user", opts.PreserveUserItems),
		logx.String("await", opts.AwaitCorrelation))
}

// ExitExclusiveMode clears exclusive mode and resumes dispatch if items
// remain queued.
func (s *Scheduler) ExitExclusiveMode() {
	s.mu.Lock()
	s.exclusive = false
	s.awaiting = false
	s.awaitCorrelation = ""
	s.mu.Unlock()
	s.log.Info("exclusive mode exited")
	s.signalWake()
}

// ---- Administrative pause ----

// Pause stops dispatch until Resume. It is independent of the global pause a
// user-critical request takes, and may stay set indefinitely; the periodic
// job trigger checks Paused before submitting background work.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("scheduler paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("scheduler resumed")
	s.signalWake()
}

// Paused reports the administrative pause flag.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	p := s.paused
	s.mu.Unlock()
	return p
}

// GlobalPaused reports whether a user-critical request currently holds the
// global pause.
func (s *Scheduler) GlobalPaused() bool {
	s.mu.Lock()
	p := s.globalPause
	s.mu.Unlock()
	return p
}

// ---- Status ----

// Status returns the lifecycle record for id.
func (s *Scheduler) Status(id string) (StatusInfo, error) {
	return s.reg.get(id)
}

// EstimatedWait estimates how long until id dispatches: the pacer's remaining
// delay plus one full interval per item queued ahead of it. Zero for
// in-flight and terminal requests.
func (s *Scheduler) EstimatedWait(id string) (time.Duration, error) {
	info, err := s.reg.get(id)
	if err != nil {
		return 0, err
	}
	if info.Status != StatusPending {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.queue.Position(id)
	if pos < 0 {
		// Completed between the registry read and here.
		return 0, nil
	}
	return s.pacer.delayUntilNext(time.Now()) + time.Duration(pos)*s.cfg.Interval, nil
}

// ---- Dispatch loop ----

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		next, wait := s.nextLocked(time.Now())
		if next != nil && wait <= 0 {
			it := s.queue.PopBest(s.runnableLocked())
			if it == nil {
				// Queue changed while computing; re-evaluate.
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			s.dispatch(ctx, stopCh, it)
			continue
		}
		s.mu.Unlock()

		if next == nil {
			// Idle: nothing runnable until state changes.
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-stopCh:
			stopTimer(timer)
			return
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.wake:
			// Admission or mode change; recompute the wait.
			stopTimer(timer)
		case <-timer.C:
		}
	}
}

// nextLocked reports the item that would dispatch next and the remaining
// pacer delay. A nil item means the loop should idle until woken.
func (s *Scheduler) nextLocked(now time.Time) (*item, time.Duration) {
	if s.globalPause || s.paused {
		return nil, 0
	}
	it := s.queue.PeekBest(s.runnableLocked())
	if it == nil {
		return nil, 0
	}
	return it, s.pacer.delayUntilNext(now)
}

// runnableLocked returns the admission filter for the current mode: during
// exclusive mode only critical items run, even when user items were
// preserved in the queue.
func (s *Scheduler) runnableLocked() func(*item) bool {
	if !s.exclusive {
		return nil
	}
	return func(it *item) bool { return it.critical }
}

func (s *Scheduler) dispatch(ctx context.Context, stopCh <-chan struct{}, it *item) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	// The pacer is re-read under the dispatch slot: a user-critical request
	// can win the slot between the pop and here and move lastDispatchAt
	// forward. The dispatch is marked only once the wait is actually over.
	var start time.Time
	for {
		s.mu.Lock()
		wait := s.pacer.delayUntilNext(time.Now())
		if wait <= 0 {
			start = time.Now()
			s.pacer.markDispatch(start)
			s.inFlightID = it.id
			s.reg.markInFlight(it.id, start)
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-stopCh:
			stopTimer(t)
			return
		case <-ctx.Done():
			stopTimer(t)
			return
		case <-t.C:
		}
	}

	queueDelay := start.Sub(it.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.log.Debug("request dispatching",
		logx.String("id", it.id),
		logx.String("priority", it.priority.String()),
		logx.String("desc", it.description),
		logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeRequestStarted, eventbus.RequestEvent{
		ID:          it.id,
		Priority:    it.priority.String(),
		Description: it.description,
		Critical:    it.critical,
		QueueDelay:  queueDelay,
	})

	result, err := runWork(ctx, it.work, s.log, it)
	s.finishDispatch(it, start, result, err)
}

// finishDispatch records the outcome: counters, backoff state, registry,
// correlation bookkeeping, ticket resolution, lifecycle event. A single
// item's failure never halts the loop.
func (s *Scheduler) finishDispatch(it *item, start time.Time, result any, err error) {
	finish := time.Now()
	var dur time.Duration
	if !start.IsZero() {
		dur = finish.Sub(start)
	}

	s.mu.Lock()
	s.inFlightID = ""
	if err != nil {
		s.totalFailed++
		if IsRateLimited(err) {
			s.pacer.recordRateLimit()
		}
	} else {
		s.totalDispatched++
		s.pacer.recordSuccess()
	}
	if s.exclusive && s.awaiting && it.critical && it.correlation != "" && it.correlation == s.awaitCorrelation {
		s.awaiting = false
	}
	backoff := s.pacer.backoff
	fails := s.pacer.consecutiveFailures
	s.mu.Unlock()

	s.reg.complete(it.id, finish, result, err)
	if it.ticket != nil {
		it.ticket.resolve(result, err)
	}

	if err != nil {
		s.log.Warn("request failed",
			logx.String("id", it.id),
			logx.String("desc", it.description),
			logx.Err(err),
			logx.Duration("dur", dur),
			logx.Bool("rate_limited", IsRateLimited(err)),
			logx.Int("consecutive_failures", fails),
			logx.Duration("backoff", backoff))
		s.publish(eventbus.TypeRequestFailed, eventbus.RequestEvent{
			ID:          it.id,
			Priority:    it.priority.String(),
			Description: it.description,
			Critical:    it.critical,
			QueueDelay:  queueDelay(it, start),
			Duration:    dur,
			RateLimited: IsRateLimited(err),
			Error:       err.Error(),
		})
		return
	}

	s.log.Debug("request finished",
		logx.String("id", it.id),
		logx.String("desc", it.description),
		logx.Duration("dur", dur))
	s.publish(eventbus.TypeRequestFinished, eventbus.RequestEvent{
		ID:          it.id,
		Priority:    it.priority.String(),
		Description: it.description,
		Critical:    it.critical,
		QueueDelay:  queueDelay(it, start),
		Duration:    dur,
	})
}

func queueDelay(it *item, start time.Time) time.Duration {
	if it.enqueuedAt.IsZero() || start.IsZero() || start.Before(it.enqueuedAt) {
		return 0
	}
	return start.Sub(it.enqueuedAt)
}

// runWork executes a unit of work, converting panics to errors so one bad
// request can't kill the dispatch loop.
func runWork(ctx context.Context, work Work, log logx.Logger, it *item) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("request panicked",
				logx.String("id", it.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return work(ctx)
}

// ---- internals ----

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) nextIDLocked(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique-ish across restarts.
	return fmt.Sprintf("req-%x-%x", now.UnixNano(), seq)
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Scheduler) publish(typ string, ev eventbus.RequestEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
