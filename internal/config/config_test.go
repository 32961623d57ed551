package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const validJSON = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"interval": "45s", "base_backoff": "2s", "retention_max": 64},
  "provider": {"base_url": "https://api.example.com", "api_key": "k", "timeout": "10s"},
  "http": {"enabled": true, "addr": "127.0.0.1:9090", "rate_per_sec": 5, "burst": 10},
  "jobs": [
    {"name": "quotes", "schedule": "@every 5m", "page": "dashboard", "path": "/quote", "params": {"symbol": "ACME"}}
  ]
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := NewManager(writeFile(t, dir, "quotaq.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != "45s" {
		t.Fatalf("interval = %q, want 45s", cfg.Scheduler.Interval)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].Params["symbol"] != "ACME" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed snapshot")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := strings.Join([]string{
		"logging:",
		"  level: info",
		"  console: true",
		"scheduler:",
		"  interval: 90s",
		"provider:",
		"  base_url: https://api.example.com",
		"http:",
		"  enabled: false",
	}, "\n")
	m := NewManager(writeFile(t, dir, "quotaq.yaml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != "90s" {
		t.Fatalf("interval = %q, want 90s", cfg.Scheduler.Interval)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"provider": {"base_url": "x"}, "bogus": 1}`},
		{"trailing data", `{"provider": {"base_url": "x"}}{"again": true}`},
		{"bad duration", `{"provider": {"base_url": "x"}, "scheduler": {"interval": "soon"}}`},
		{"missing base_url", `{"scheduler": {"interval": "60s"}}`},
		{"job without schedule", `{"provider": {"base_url": "x"}, "jobs": [{"name": "a", "path": "/p"}]}`},
		{"duplicate job name", `{"provider": {"base_url": "x"}, "jobs": [
			{"name": "a", "schedule": "@hourly", "path": "/p"},
			{"name": "a", "schedule": "@hourly", "path": "/q"}]}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			m := NewManager(writeFile(t, dir, "quotaq.json", tc.body))
			if _, err := m.Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := NewManager(writeFile(t, dir, "quotaq.json", validJSON))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{Provider: ProviderConfig{BaseURL: "https://other.example.com"}}
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-ch:
		if got.Provider.BaseURL != "https://other.example.com" {
			t.Fatalf("got %+v", got.Provider)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestPublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Provider: ProviderConfig{BaseURL: "one"}}
	second := &Config{Provider: ProviderConfig{BaseURL: "two"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Provider.BaseURL != "two" {
		t.Fatalf("expected newest snapshot, got %q", got.Provider.BaseURL)
	}
}
