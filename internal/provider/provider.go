// Package provider builds units of work against the quota-constrained
// external data API and classifies its failures for the scheduler.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client is the only component that talks to the external API. It never
// enforces pacing itself; every call is expected to run under the scheduler.
type Client struct {
	mu   sync.RWMutex
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Apply swaps the client configuration. Safe during hot reload; in-flight
// calls finish with the settings they started with.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.http = &http.Client{Timeout: cfg.Timeout}
	c.mu.Unlock()
}

// FetchWork returns a unit of work that fetches path with the given query
// parameters. The scheduler owns the returned closure exclusively.
func (c *Client) FetchWork(path string, params url.Values) scheduler.Work {
	return func(ctx context.Context) (any, error) {
		return c.fetch(ctx, path, params)
	}
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values) (any, error) {
	c.mu.RLock()
	cfg, httpc := c.cfg, c.http
	c.mu.RUnlock()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("provider response read: %w", err)
	}

	c.log.Debug("provider call",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	if err := classifyStatus(resp, body); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("provider payload decode: %w", err)
	}
	// Some quota APIs return 200 with an in-band throttle note instead of 429.
	if note := throttleNote(payload); note != "" {
		return nil, scheduler.RateLimited(fmt.Errorf("provider throttled: %s", note), 0)
	}
	return payload, nil
}

// classifyStatus maps HTTP failures into the scheduler's error taxonomy:
// 429/quota responses become rate-limit errors (carrying the Retry-After hint
// when present) so the scheduler escalates backoff; everything else is a
// plain provider error.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		base := fmt.Errorf("provider rate limit (status %d)", resp.StatusCode)
		return scheduler.RateLimited(base, retryAfter(resp))
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("provider error (status %d): %s", resp.StatusCode, msg)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// throttleNote detects in-band quota messages in an otherwise-200 payload.
func throttleNote(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"Note", "note", "Information"} {
		if v, ok := m[key].(string); ok {
			low := strings.ToLower(v)
			if strings.Contains(low, "call frequency") || strings.Contains(low, "rate limit") || strings.Contains(low, "quota") {
				return v
			}
		}
	}
	return ""
}
