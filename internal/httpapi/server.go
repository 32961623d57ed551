// Package httpapi exposes the scheduler over a small local HTTP surface.
//
// Security:
//   - Prefer binding to localhost (default).
//   - There is no authentication; front with a reverse proxy if exposed.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string

	// RatePerSec / Burst throttle submissions per client IP. Zero disables.
	RatePerSec int
	Burst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Queue is the slice of the scheduler the handlers need.
type Queue interface {
	Submit(work scheduler.Work, priority scheduler.Priority, description string) (*scheduler.Ticket, error)
	SubmitCritical(work scheduler.Work, description, correlationID string) (*scheduler.Ticket, error)
	SubmitUserCritical(ctx context.Context, work scheduler.Work, description string) (any, error)
	EnterExclusiveMode(opts scheduler.ExclusiveOptions)
	ExitExclusiveMode()
	Pause()
	Resume()
	Status(id string) (scheduler.StatusInfo, error)
	EstimatedWait(id string) (time.Duration, error)
	Snapshot() scheduler.Snapshot
}

// WorkSource builds provider calls from request payloads.
type WorkSource interface {
	FetchWork(path string, params url.Values) scheduler.Work
}

// PageMarker records viewer heartbeats.
type PageMarker interface {
	MarkSeen(ctx context.Context, page string)
}

type Service struct {
	cfg    Config
	log    logx.Logger
	queue  Queue
	source WorkSource
	pages  PageMarker

	limiter *ipLimiter

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, queue Queue, source WorkSource, pages PageMarker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log, queue: queue, source: source, pages: pages}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		s.limiter = newIPLimiter(cfg.RatePerSec, burst)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start binds the listener and begins serving. Returns the bound address so
// callers can use addr ":0" in tests.
func (s *Service) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.ln.Addr().String(), nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln = ln
	s.srv = srv

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Any("err", err))
		}
	}()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
}
