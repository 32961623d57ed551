// Package app wires the daemon together: config, logging, storage, the
// request scheduler and its surfaces.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"quotaq/internal/activity"
	"quotaq/internal/config"
	"quotaq/internal/eventbus"
	"quotaq/internal/httpapi"
	"quotaq/internal/jobs"
	"quotaq/internal/provider"
	"quotaq/internal/runtime/supervisor"
	"quotaq/internal/scheduler"
	"quotaq/internal/storage"
	logx "quotaq/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Scheduler
	prov    *provider.Client
	tracker *activity.Tracker
	jobs    *jobs.Service
	api     *httpapi.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	provCfg, err := mapProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	prov := provider.New(provCfg, log.With(logx.String("comp", "provider")))

	actCfg, err := mapActivityConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := activity.New(actCfg, store, log.With(logx.String("comp", "activity")))

	jobSvc := jobs.New(sched, prov, tracker, log.With(logx.String("comp", "jobs")))
	for _, def := range mapJobDefs(cfg) {
		if err := jobSvc.Register(def); err != nil {
			return nil, err
		}
	}

	apiCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(apiCfg, sched, prov, tracker, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		prov:    prov,
		tracker: tracker,
		jobs:    jobSvc,
		api:     api,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional hot reload: reject edits that would not map cleanly.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapProviderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, err := mapActivityConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sched.Start(a.sup.Context())
	a.jobs.Start()
	if a.api.Enabled() {
		if _, err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go0("audit", a.auditLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", watchdogLoop)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("daemon started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.api.Stop(ctx)
	a.jobs.Stop(ctx)
	a.sched.Stop(ctx)

	err := a.sup.Stop(ctx)

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// auditLoop persists request outcomes so operators can inspect dispatch
// history across restarts.
func (a *App) auditLoop(ctx context.Context) {
	if a.store == nil {
		return
	}
	events, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, okData := e.Data.(eventbus.RequestEvent)
			if !okData {
				continue
			}
			var outcome string
			switch e.Type {
			case eventbus.TypeRequestFinished:
				outcome = "done"
			case eventbus.TypeRequestFailed:
				outcome = "failed"
			case eventbus.TypeRequestRejected:
				outcome = "rejected"
			default:
				continue
			}
			entry := storage.DispatchEntry{
				At:           e.Time,
				RequestID:    ev.ID,
				Priority:     ev.Priority,
				Description:  ev.Description,
				Critical:     ev.Critical,
				Outcome:      outcome,
				RateLimited:  ev.RateLimited,
				QueueDelayMS: ev.QueueDelay.Milliseconds(),
				TookMS:       ev.Duration.Milliseconds(),
				Error:        ev.Error,
			}
			if err := a.store.AppendDispatch(ctx, entry); err != nil {
				a.log.Warn("audit write failed", logx.String("id", ev.ID), logx.Any("err", err))
			}
		}
	}
}

// reloadLoop applies hot config changes to the running components.
func (a *App) reloadLoop(ctx context.Context) {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if a.logs != nil {
				a.logs.Apply(mapLogConfig(cfg))
			}
			// Validator already vetted the mapping; errors here are stale
			// races at worst.
			if schedCfg, err := mapSchedulerConfig(cfg); err == nil {
				a.sched.Apply(schedCfg)
			}
			if provCfg, err := mapProviderConfig(cfg); err == nil {
				a.prov.Apply(provCfg)
			}
			a.log.Info("config reloaded")
		}
	}
}

// watchdogLoop pings systemd when running under Type=notify with WatchdogSec.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
