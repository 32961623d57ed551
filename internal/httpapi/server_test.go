package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

type echoSource struct{}

func (echoSource) FetchWork(path string, params url.Values) scheduler.Work {
	return func(ctx context.Context) (any, error) {
		if path == "/boom" {
			return nil, fmt.Errorf("provider exploded")
		}
		return map[string]string{"path": path}, nil
	}
}

type recordingPages struct {
	mu   sync.Mutex
	seen []string
}

func (p *recordingPages) MarkSeen(ctx context.Context, page string) {
	p.mu.Lock()
	p.seen = append(p.seen, page)
	p.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config) (*Service, *scheduler.Scheduler, *recordingPages) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{
		Interval:    5 * time.Millisecond,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, logx.Nop(), nil)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Stop(ctx)
	})
	pages := &recordingPages{}
	return New(cfg, sched, echoSource{}, pages, logx.Nop()), sched, pages
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndPoll(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	h := svc.routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/requests", `{"path": "/quote", "params": {"symbol": "ACME"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("missing request id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, "/v1/requests/"+resp.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("poll status = %d", rec.Code)
		}
		var got map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		if got["status"] == "done" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never finished: %s", rec.Body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	h := svc.routes()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing path", `{"params": {}}`, http.StatusBadRequest},
		{"unknown field", `{"path": "/x", "nope": 1}`, http.StatusBadRequest},
		{"bad priority", `{"path": "/x", "priority": "mega"}`, http.StatusBadRequest},
		{"not json", `hello`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/requests", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestUnknownRequestIs404(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	rec := doJSON(t, svc.routes(), http.MethodGet, "/v1/requests/req-nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestExclusiveModeConflict(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	h := svc.routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/exclusive/enter", `{"await_correlation": "job-42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enter status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/requests", `{"path": "/quote"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("submit during exclusive = %d, want 409 (%s)", rec.Code, rec.Body)
	}

	// Critical submissions still pass.
	rec = doJSON(t, h, http.MethodPost, "/v1/requests/critical", `{"path": "/quote", "correlation": "job-42"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("critical during exclusive = %d (%s)", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/exclusive/exit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("exit status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/requests", `{"path": "/quote"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit after exit = %d", rec.Code)
	}
}

func TestUserCriticalReturnsPayload(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	rec := doJSON(t, svc.routes(), http.MethodPost, "/v1/requests/user-critical", `{"path": "/quote"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"path":"/quote"`) {
		t.Fatalf("payload missing: %s", rec.Body)
	}
}

func TestUserCriticalFailureMapsUpstream(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	rec := doJSON(t, svc.routes(), http.MethodPost, "/v1/requests/user-critical", `{"path": "/boom"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (%s)", rec.Code, rec.Body)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	svc, sched, _ := newTestService(t, Config{})
	h := svc.routes()

	if rec := doJSON(t, h, http.MethodPost, "/v1/scheduler/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !sched.Paused() {
		t.Fatal("scheduler should be paused")
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/scheduler/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if sched.Paused() {
		t.Fatal("scheduler should be running")
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	rec := doJSON(t, svc.routes(), http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap scheduler.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
}

func TestPageSeen(t *testing.T) {
	t.Parallel()
	svc, _, pages := newTestService(t, Config{})
	rec := doJSON(t, svc.routes(), http.MethodPost, "/v1/pages/dashboard/seen", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	pages.mu.Lock()
	defer pages.mu.Unlock()
	if len(pages.seen) != 1 || pages.seen[0] != "dashboard" {
		t.Fatalf("seen = %v", pages.seen)
	}
}

func TestThrottleLimitsPerIP(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{RatePerSec: 1, Burst: 2})
	h := svc.routes()

	codes := map[int]int{}
	for i := 0; i < 6; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/requests", `{"path": "/quote"}`)
		codes[rec.Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Fatalf("expected throttling, got %v", codes)
	}
	if codes[http.StatusAccepted] == 0 {
		t.Fatalf("burst should admit some requests, got %v", codes)
	}

	// Reads are never throttled.
	if rec := doJSON(t, h, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}
