package config

import (
	"fmt"
	"strings"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos fail loudly at startup.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Provider  ProviderConfig  `json:"provider"`
	HTTP      HTTPConfig      `json:"http"`
	Activity  ActivityConfig  `json:"activity,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls dispatch pacing and status retention.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - base_backoff: "5s"
//   - max_backoff: "10m"
//   - retention_ttl: "15m"
//   - retention_max: 512
type SchedulerConfig struct {
	Interval     string `json:"interval,omitempty"`
	BaseBackoff  string `json:"base_backoff,omitempty"`
	MaxBackoff   string `json:"max_backoff,omitempty"`
	RetentionTTL string `json:"retention_ttl,omitempty"`
	RetentionMax int    `json:"retention_max,omitempty"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// HTTPConfig controls the local HTTP API.
//
// Security note: prefer binding to localhost. There is no authentication on
// this surface by design; front it with a reverse proxy if exposed.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// RatePerSec / Burst throttle submissions per client IP.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type ActivityConfig struct {
	// ActiveWindow is how long a page counts as viewed after its last
	// heartbeat. Default "5m".
	ActiveWindow string `json:"active_window,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./quotaq_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JobConfig defines one periodic background refresh.
//
// Schedule accepts robfig/cron specs, including "@every 5m" and "@hourly".
// When Page is set, the job is skipped while that page type has no viewers.
type JobConfig struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Page     string            `json:"page,omitempty"`
	Path     string            `json:"path"`
	Params   map[string]string `json:"params,omitempty"`
}

// Validate checks everything that can fail before components start.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	for _, f := range []struct {
		path, raw string
	}{
		{"scheduler.interval", c.Scheduler.Interval},
		{"scheduler.base_backoff", c.Scheduler.BaseBackoff},
		{"scheduler.max_backoff", c.Scheduler.MaxBackoff},
		{"scheduler.retention_ttl", c.Scheduler.RetentionTTL},
		{"provider.timeout", c.Provider.Timeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"activity.active_window", c.Activity.ActiveWindow},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	seen := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("jobs[%d] (%s): schedule is required", i, name)
		}
		if strings.TrimSpace(j.Path) == "" {
			return fmt.Errorf("jobs[%d] (%s): path is required", i, name)
		}
	}
	return nil
}
