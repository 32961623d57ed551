// Package jobs triggers periodic background refreshes through the request
// scheduler. It is trigger-only: jobs enqueue work and return; execution and
// pacing belong to the scheduler.
package jobs

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

// Definition is one periodic refresh.
type Definition struct {
	Name     string
	Schedule string
	// Page gates the job on viewer activity; empty means always run.
	Page   string
	Path   string
	Params map[string]string
}

// Submitter is the slice of the scheduler this service needs.
type Submitter interface {
	Submit(work scheduler.Work, priority scheduler.Priority, description string) (*scheduler.Ticket, error)
	Paused() bool
	GlobalPaused() bool
}

// WorkSource builds the unit of work a job submits.
type WorkSource interface {
	FetchWork(path string, params url.Values) scheduler.Work
}

// ActivityChecker reports whether a page type currently has viewers.
type ActivityChecker interface {
	IsPageActive(page string) bool
}

type Service struct {
	log      logx.Logger
	sched    Submitter
	source   WorkSource
	activity ActivityChecker

	parser cron.Parser
	c      *cron.Cron
	defs   []Definition

	// waitCtx bounds the ticket-wait goroutines fire spawns; Stop cancels it
	// so waiters on tickets the scheduler never resolves still exit.
	waitCtx    context.Context
	waitCancel context.CancelFunc
}

func New(sched Submitter, source WorkSource, activity ActivityChecker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	waitCtx, waitCancel := context.WithCancel(context.Background())
	return &Service{
		log:        log,
		sched:      sched,
		source:     source,
		activity:   activity,
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates and stores a definition. Must be called before Start.
func (s *Service) Register(def Definition) error {
	if _, err := s.parser.Parse(def.Schedule); err != nil {
		return err
	}
	s.defs = append(s.defs, def)
	return nil
}

func (s *Service) Start() {
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser))
	for i := range s.defs {
		def := s.defs[i]
		// Parse already validated the spec in Register.
		_, _ = s.c.AddFunc(def.Schedule, func() { s.fire(def) })
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.waitCancel()
	s.log.Info("service stopped")
}

// fire enqueues one run of def, skipping when nothing would consume the data
// or the scheduler is not accepting background work.
func (s *Service) fire(def Definition) {
	if s.sched.Paused() || s.sched.GlobalPaused() {
		s.log.Debug("job skipped (scheduler paused)", logx.String("job", def.Name))
		return
	}
	if def.Page != "" && s.activity != nil && !s.activity.IsPageActive(def.Page) {
		s.log.Debug("job skipped (page inactive)",
			logx.String("job", def.Name), logx.String("page", def.Page))
		return
	}

	params := url.Values{}
	for k, v := range def.Params {
		params.Set(k, v)
	}
	work := s.source.FetchWork(def.Path, params)
	start := time.Now()
	ticket, err := s.sched.Submit(work, scheduler.PrioritySystem, "job:"+def.Name)
	if err != nil {
		s.log.Warn("job rejected", logx.String("job", def.Name), logx.Any("err", err))
		return
	}
	go func() {
		_, err := ticket.Wait(s.waitCtx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			s.log.Warn("job failed",
				logx.String("job", def.Name),
				logx.Duration("took", time.Since(start)),
				logx.Any("err", err))
		}
	}()
}
