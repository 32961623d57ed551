package app

import (
	"fmt"
	"strings"
	"time"

	"quotaq/internal/activity"
	"quotaq/internal/config"
	"quotaq/internal/httpapi"
	"quotaq/internal/jobs"
	"quotaq/internal/provider"
	"quotaq/internal/scheduler"
	"quotaq/internal/storage"
	logx "quotaq/pkg/logx"
)

// Mapping functions translate the file config into component configs. They
// are also run by the hot-reload validator so a bad edit never reaches a
// running component.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationField("scheduler.interval", cfg.Scheduler.Interval)
	if err != nil {
		return scheduler.Config{}, err
	}
	base, err := config.ParseDurationField("scheduler.base_backoff", cfg.Scheduler.BaseBackoff)
	if err != nil {
		return scheduler.Config{}, err
	}
	max, err := config.ParseDurationField("scheduler.max_backoff", cfg.Scheduler.MaxBackoff)
	if err != nil {
		return scheduler.Config{}, err
	}
	ttl, err := config.ParseDurationField("scheduler.retention_ttl", cfg.Scheduler.RetentionTTL)
	if err != nil {
		return scheduler.Config{}, err
	}
	if base > 0 && max > 0 && max < base {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_backoff must be >= base_backoff")
	}
	if cfg.Scheduler.RetentionMax < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.retention_max must be >= 0")
	}
	return scheduler.Config{
		Interval:     interval,
		BaseBackoff:  base,
		MaxBackoff:   max,
		RetentionTTL: ttl,
		RetentionMax: cfg.Scheduler.RetentionMax,
	}, nil
}

func mapProviderConfig(cfg *config.Config) (provider.Config, error) {
	timeout, err := config.ParseDurationField("provider.timeout", cfg.Provider.Timeout)
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	if cfg.HTTP.RatePerSec < 0 || cfg.HTTP.Burst < 0 {
		return httpapi.Config{}, fmt.Errorf("http.rate_per_sec and http.burst must be >= 0")
	}
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		RatePerSec:   cfg.HTTP.RatePerSec,
		Burst:        cfg.HTTP.Burst,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapActivityConfig(cfg *config.Config) (activity.Config, error) {
	window, err := config.ParseDurationField("activity.active_window", cfg.Activity.ActiveWindow)
	if err != nil {
		return activity.Config{}, err
	}
	return activity.Config{ActiveWindow: window}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapJobDefs(cfg *config.Config) []jobs.Definition {
	defs := make([]jobs.Definition, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		defs = append(defs, jobs.Definition{
			Name:     j.Name,
			Schedule: j.Schedule,
			Page:     j.Page,
			Path:     j.Path,
			Params:   j.Params,
		})
	}
	return defs
}
