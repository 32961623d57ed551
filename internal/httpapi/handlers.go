package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGetRequest)

	mux.HandleFunc("POST /v1/requests", s.throttle(s.handleSubmit))
	mux.HandleFunc("POST /v1/requests/critical", s.throttle(s.handleSubmitCritical))
	mux.HandleFunc("POST /v1/requests/user-critical", s.throttle(s.handleSubmitUserCritical))

	mux.HandleFunc("POST /v1/scheduler/pause", s.handlePause)
	mux.HandleFunc("POST /v1/scheduler/resume", s.handleResume)
	mux.HandleFunc("POST /v1/exclusive/enter", s.handleExclusiveEnter)
	mux.HandleFunc("POST /v1/exclusive/exit", s.handleExclusiveExit)

	mux.HandleFunc("POST /v1/pages/{page}/seen", s.handlePageSeen)

	return mux
}

type submitRequest struct {
	Path        string            `json:"path"`
	Params      map[string]string `json:"params,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Description string            `json:"description,omitempty"`
	Correlation string            `json:"correlation,omitempty"`
}

type submitResponse struct {
	ID            string `json:"id"`
	EstimatedWait string `json:"estimated_wait"`
}

func (r submitRequest) values() url.Values {
	v := url.Values{}
	for k, val := range r.Params {
		v.Set(k, val)
	}
	return v
}

func (s *Service) decodeSubmit(w http.ResponseWriter, r *http.Request) (submitRequest, bool) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return req, false
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return req, false
	}
	return req, true
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	priority := scheduler.PriorityUser
	if req.Priority != "" {
		p, err := scheduler.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		priority = p
	}

	work := s.source.FetchWork(req.Path, req.values())
	ticket, err := s.queue.Submit(work, priority, req.Description)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	wait, _ := s.queue.EstimatedWait(ticket.ID())
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:            ticket.ID(),
		EstimatedWait: wait.String(),
	})
}

func (s *Service) handleSubmitCritical(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	work := s.source.FetchWork(req.Path, req.values())
	ticket, err := s.queue.SubmitCritical(work, req.Description, req.Correlation)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	wait, _ := s.queue.EstimatedWait(ticket.ID())
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:            ticket.ID(),
		EstimatedWait: wait.String(),
	})
}

// handleSubmitUserCritical blocks until the provider call finishes. The
// response carries the payload itself rather than a request id.
func (s *Service) handleSubmitUserCritical(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	work := s.source.FetchWork(req.Path, req.values())
	result, err := s.queue.SubmitUserCritical(r.Context(), work, req.Description)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Service) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.queue.Status(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown request id")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"id":          info.ID,
		"priority":    info.Priority.String(),
		"description": info.Description,
		"critical":    info.Critical,
		"status":      string(info.Status),
		"enqueued_at": info.EnqueuedAt,
	}
	if !info.StartedAt.IsZero() {
		resp["started_at"] = info.StartedAt
	}
	if !info.DoneAt.IsZero() {
		resp["done_at"] = info.DoneAt
	}
	switch info.Status {
	case scheduler.StatusDone:
		resp["result"] = info.Result
	case scheduler.StatusFailed:
		if info.Err != nil {
			resp["error"] = info.Err.Error()
		}
	default:
		if wait, err := s.queue.EstimatedWait(id); err == nil {
			resp["estimated_wait"] = wait.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	s.log.Info("scheduler paused via api", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	s.log.Info("scheduler resumed via api", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type exclusiveRequest struct {
	PreserveUserItems bool   `json:"preserve_user_items,omitempty"`
	AwaitCorrelation  string `json:"await_correlation,omitempty"`
}

func (s *Service) handleExclusiveEnter(w http.ResponseWriter, r *http.Request) {
	var req exclusiveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	s.queue.EnterExclusiveMode(scheduler.ExclusiveOptions{
		PreserveUserItems: req.PreserveUserItems,
		AwaitCorrelation:  req.AwaitCorrelation,
	})
	s.log.Info("exclusive mode entered via api", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"exclusive": true})
}

func (s *Service) handleExclusiveExit(w http.ResponseWriter, r *http.Request) {
	s.queue.ExitExclusiveMode()
	s.log.Info("exclusive mode exited via api", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"exclusive": false})
}

func (s *Service) handlePageSeen(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page")
	if page == "" {
		writeError(w, http.StatusBadRequest, "page is required")
		return
	}
	if s.pages != nil {
		s.pages.MarkSeen(r.Context(), page)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSubmitError maps scheduler errors onto HTTP statuses.
func (s *Service) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrExclusiveMode):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueCleared):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case scheduler.IsRateLimited(err):
		if after, ok := scheduler.RetryAfterHint(err); ok && after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(after/time.Second)))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, 499, "client closed request")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
