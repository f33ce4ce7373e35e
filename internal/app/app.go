// Package app assembles the runner daemon: config, logging, secret store,
// script runner, execution engine, cron scheduler, run journal, and the
// outcome notifier.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskrun/internal/config"
	"taskrun/internal/engine"
	"taskrun/internal/history"
	"taskrun/internal/notify"
	"taskrun/internal/runner"
	"taskrun/internal/scheduler"
	"taskrun/internal/secrets"
	"taskrun/internal/supervisor"
	"taskrun/internal/task"
	logx "taskrun/pkg/logx"
)

// ErrUnknownTask is returned by RunTask for names not present in config.
var ErrUnknownTask = errors.New("unknown task")

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	run   *runner.Runner
	eng   *engine.Service
	sched *scheduler.Service
	noti  *notify.Service
	hist  history.Store

	sup *supervisor.Supervisor

	mu    sync.Mutex
	tasks map[string]*taskEntry
	subCh chan *config.Config
}

// taskEntry pairs a validated spec with its overlap gate. The gate lives as
// long as the task name does, across config reloads, so "skip if running"
// holds even when the spec changes mid-run.
type taskEntry struct {
	spec  task.Spec
	state *engine.RunState
}

// TaskInfo is the list-view of one configured task.
type TaskInfo struct {
	Name    string
	Script  string
	Trigger string
	Next    time.Time // zero for manual or dormant triggers
}

func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	store, err := buildSecretStore(cfg.Secrets)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		tasks:  make(map[string]*taskEntry),
	}

	a.run = runner.New(store, log.With(logx.String("svc", "runner")), runner.Options{
		WorkDir: cfg.Runner.Workdir,
	})
	a.eng = engine.New(engineConfig(cfg), log.With(logx.String("svc", "engine")))
	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("svc", "scheduler")))
	a.noti = notify.New(notifierConfig(cfg), buildSender(cfg, log), log.With(logx.String("svc", "notify")))

	if cfg.History != nil {
		bt, _ := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
		h, err := history.Open(history.Config{
			Driver:      cfg.History.Driver,
			Path:        cfg.History.Path,
			Retain:      cfg.History.Retain,
			BusyTimeout: bt,
		}, log.With(logx.String("svc", "history")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.hist = h
	}

	// Reject configs whose cron expressions don't parse before they are
	// committed by the watcher.
	cfgMgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		_ = ctx
		specs, err := c.TaskSpecs()
		if err != nil {
			return err
		}
		for _, s := range specs {
			if s.Trigger.Kind == task.KindCron {
				if err := a.sched.ValidateExpr(s.Trigger.Cron); err != nil {
					return fmt.Errorf("task %q: cron %q: %w", s.Name, s.Trigger.Cron, err)
				}
			}
		}
		return nil
	})

	if err := a.loadTasks(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{
		Enabled:        cfg.EngineEnabled(),
		DefaultTimeout: cfg.EngineDefaultTimeout(),
	}
	if cfg.Engine != nil {
		ec.Workers = cfg.Engine.Workers
		ec.QueueSize = cfg.Engine.QueueSize
		ec.HistorySize = cfg.Engine.HistorySize
	}
	return ec
}

func notifierConfig(cfg *config.Config) notify.Config {
	if cfg.Notifier == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    cfg.Notifier.Enabled,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		OnSuccess:  cfg.Notifier.OnSuccess,
	}
}

func buildSecretStore(sc config.SecretsConfig) (secrets.Store, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Source)) {
	case "", "env":
		return secrets.EnvStore{Prefix: sc.Prefix}, nil
	case "file":
		return secrets.OpenFile(sc.Path)
	default:
		return nil, fmt.Errorf("secrets.source: unknown source %q", sc.Source)
	}
}

func buildSender(cfg *config.Config, log logx.Logger) notify.Sender {
	if cfg.Notifier == nil || !cfg.Notifier.Enabled || cfg.Notifier.Telegram == nil {
		return nil
	}
	tg, err := notify.NewTelegram(notify.TelegramConfig{
		Token:  cfg.Notifier.Telegram.Token,
		ChatID: cfg.Notifier.Telegram.ChatID,
	})
	if err != nil {
		log.Warn("telegram sender unavailable; notifications disabled", logx.Err(err))
		return nil
	}
	return tg
}

// loadTasks replaces the task set and (re-)registers cron triggers.
func (a *App) loadTasks(cfg *config.Config) error {
	specs, err := cfg.TaskSpecs()
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.tasks
	next := make(map[string]*taskEntry, len(specs))
	for _, s := range specs {
		e := &taskEntry{spec: s}
		if prev, ok := old[s.Name]; ok {
			e.state = prev.state // keep overlap gate across reloads
		} else {
			e.state = &engine.RunState{}
		}
		next[s.Name] = e
	}
	a.tasks = next
	a.mu.Unlock()

	a.sched.Clear()
	for _, s := range specs {
		if s.Trigger.Kind != task.KindCron {
			continue
		}
		spec := s
		err := a.sched.Register(spec.Name, spec.Trigger.Cron, spec.Trigger.Disabled, func() {
			a.dispatch(spec.Name, "cron", nil)
		})
		if err != nil {
			return fmt.Errorf("task %q: %w", spec.Name, err)
		}
	}
	return nil
}

// dispatch submits one run of the named task. done, when non-nil, receives
// the final error exactly once.
func (a *App) dispatch(name, trigger string, done chan error) {
	a.mu.Lock()
	e, ok := a.tasks[name]
	a.mu.Unlock()
	if !ok {
		if done != nil {
			done <- fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
		return
	}

	spec := e.spec
	var state *engine.RunState
	if spec.Overlap == task.OverlapSkip {
		state = e.state
	}

	err := a.eng.Submit(engine.Run{
		Task:    name,
		Trigger: trigger,
		Timeout: spec.Timeout,
		State:   state,
		Done:    done,
		Do: func(ctx context.Context) error {
			return a.runOnce(ctx, spec, trigger)
		},
	})
	if err != nil {
		a.log.Warn("dispatch rejected", logx.String("task", name), logx.String("trigger", trigger), logx.Err(err))
	}
}

// runOnce executes the pipeline and records the outcome. The journal and the
// notifier see exit code and error text only, never output or env values.
func (a *App) runOnce(ctx context.Context, spec task.Spec, trigger string) error {
	res, err := a.run.Run(ctx, spec)

	rec := history.RunRecord{
		Task:    spec.Name,
		Trigger: trigger,
		Started: time.Now(),
	}
	if res != nil {
		rec.Started = res.Started
		rec.Duration = res.Duration
		rec.ExitCode = res.ExitCode
	} else if err != nil {
		rec.ExitCode = -1
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if a.hist != nil {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if herr := a.hist.AppendRun(hctx, rec); herr != nil {
			a.log.Warn("history append failed", logx.String("task", spec.Name), logx.Err(herr))
		}
		cancel()
	}

	a.noti.Observe(notify.Event{
		Task:     spec.Name,
		Trigger:  trigger,
		ExitCode: rec.ExitCode,
		Duration: rec.Duration,
		Err:      err,
	})
	return err
}

// StartEngineOnly brings up just enough for a one-shot manual dispatch:
// engine and notifier, no scheduler and no config watcher.
func (a *App) StartEngineOnly(ctx context.Context) error {
	// Manual dispatch works even when the daemon-side engine is configured
	// off; the explicit invocation is the enable.
	cfg := engineConfig(a.cfgMgr.Get())
	cfg.Enabled = true
	a.eng.Apply(cfg)

	a.noti.Start(ctx)
	a.eng.Start(ctx)
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	a.noti.Start(ctx)
	a.eng.Start(ctx)
	a.sched.Start(ctx)

	a.subCh = a.cfgMgr.Subscribe(1)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.subCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})

	a.log.Info("runner started")
	return nil
}

// applyConfig pushes a reloaded config into the running services. The
// history driver is fixed at startup; changing it requires a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.eng.Apply(engineConfig(cfg))
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	})
	if wasEnabled != cfg.Scheduler.Enabled {
		a.log.Info("scheduler toggled", logx.Bool("enabled", cfg.Scheduler.Enabled))
	}
	a.noti.Apply(notifierConfig(cfg))

	if err := a.loadTasks(cfg); err != nil {
		// Validator should have caught this; keep the old task set.
		a.log.Error("task reload failed; keeping previous tasks", logx.Err(err))
	}
}

// RunTask dispatches one manual run and blocks until it finishes.
//
// The boolean result distinguishes "ran and failed" (true, inspect err) from
// "never ran" (false: unknown task, overlap skip, queue full).
func (a *App) RunTask(ctx context.Context, name string) (bool, error) {
	done := make(chan error, 1)
	a.dispatch(name, "manual", done)
	select {
	case err := <-done:
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrUnknownTask),
			errors.Is(err, engine.ErrOverlapSkip),
			errors.Is(err, engine.ErrQueueFull),
			errors.Is(err, engine.ErrDisabled),
			errors.Is(err, engine.ErrStopped):
			return false, err
		default:
			return true, err
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Tasks lists configured tasks, sorted by name, with their trigger and next
// scheduled fire time where applicable.
func (a *App) Tasks() []TaskInfo {
	nextByTask := make(map[string]time.Time)
	for _, e := range a.sched.Entries() {
		if !e.Dormant {
			nextByTask[e.Task] = e.Next
		}
	}

	a.mu.Lock()
	out := make([]TaskInfo, 0, len(a.tasks))
	for name, e := range a.tasks {
		out = append(out, TaskInfo{
			Name:    name,
			Script:  e.spec.Script,
			Trigger: e.spec.Trigger.String(),
			Next:    nextByTask[name],
		})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecentRuns exposes the run journal (nil when history is disabled).
func (a *App) RecentRuns(ctx context.Context, taskName string, limit int) ([]history.RunRecord, error) {
	if a.hist == nil {
		return nil, history.ErrDisabled
	}
	return a.hist.RecentRuns(ctx, taskName, limit)
}

func (a *App) Stop(ctx context.Context) {
	a.log.Info("runner stopping")

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	if a.subCh != nil {
		a.cfgMgr.Unsubscribe(a.subCh)
		a.subCh = nil
	}

	a.sched.Stop(ctx)
	a.eng.Stop(ctx)
	a.noti.Stop(ctx)

	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			a.log.Warn("history close", logx.Err(err))
		}
	}
	a.log.Info("runner stopped")
	a.logSvc.Close()
}
