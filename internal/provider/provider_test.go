package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key"}, logx.Nop())
}

func TestFetchWorkDecodesPayload(t *testing.T) {
	t.Parallel()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("apikey"); got != "test-key" {
			t.Errorf("apikey = %q, want test-key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"ACME","price":42.5}`))
	})

	res, err := c.FetchWork("/quote", url.Values{"symbol": {"ACME"}})(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["symbol"] != "ACME" {
		t.Fatalf("unexpected payload: %#v", res)
	}
}

func TestFetchClassifies429AsRateLimited(t *testing.T) {
	t.Parallel()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchWork("/quote", nil)(context.Background())
	if !scheduler.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited", err)
	}
	hint, ok := scheduler.RetryAfterHint(err)
	if !ok || hint != 30*time.Second {
		t.Fatalf("retry-after hint = %v/%v, want 30s", hint, ok)
	}
}

func TestFetchClassifiesServerErrorAsPlain(t *testing.T) {
	t.Parallel()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.FetchWork("/quote", nil)(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if scheduler.IsRateLimited(err) {
		t.Fatal("plain provider error misclassified as rate-limited")
	}
}

func TestFetchDetectsInBandThrottleNote(t *testing.T) {
	t.Parallel()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Note":"API call frequency is 1 call per minute"}`))
	})

	_, err := c.FetchWork("/quote", nil)(context.Background())
	if !scheduler.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited from in-band note", err)
	}
}
