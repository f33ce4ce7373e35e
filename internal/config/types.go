package config

import (
	"fmt"
	"strings"
	"time"

	"taskrun/internal/task"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution settings (workers, queue, timeouts).
	// If omitted, defaults apply.
	Engine *EngineConfig `json:"engine,omitempty"`

	Runner  RunnerConfig  `json:"runner,omitempty"`
	Secrets SecretsConfig `json:"secrets,omitempty"`

	History  *HistoryConfig  `json:"history,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service. Execution settings live
// under engine.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
type EngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// DefaultTimeout applies to tasks that don't set their own timeout.
	// Use "0s" to disable a global default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// RunnerConfig controls where scripts execute.
type RunnerConfig struct {
	// Workdir is the root for per-task scratch dirs and virtualenvs.
	// Default: <os temp>/taskrun.
	Workdir string `json:"workdir,omitempty"`
}

// SecretsConfig selects the secret source scripts resolve "secret:" env
// references against.
//
//	source: "env"  — process environment, optionally with a prefix
//	source: "file" — flat YAML key/value file, must not be group/world readable
//
// Omitted section defaults to the process environment with no prefix.
type SecretsConfig struct {
	Source string `json:"source,omitempty"`
	Prefix string `json:"prefix,omitempty"` // env source only
	Path   string `json:"path,omitempty"`   // file source only
}

// HistoryConfig controls the optional run journal. Only outcomes are
// recorded, never script output or environment values.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./taskrun.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	Retain      int    `json:"retain,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls the async outcome notification pipeline.
type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	OnSuccess  bool `json:"on_success,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"` // secret material; never logged
	ChatID int64  `json:"chat_id"`
}

// TaskConfig is the on-disk shape of one task definition.
type TaskConfig struct {
	Name   string `json:"name"`
	Script string `json:"script"`

	Runtime  RuntimeConfig `json:"runtime,omitempty"`
	Manifest string        `json:"manifest,omitempty"`

	// Env values prefixed with "secret:" are resolved through the secret
	// store at run time; anything else is passed literally.
	Env map[string]string `json:"env,omitempty"`

	// Trigger omitted means manual-only dispatch.
	Trigger *TriggerConfig `json:"trigger,omitempty"`

	// Timeout is a Go duration string. Empty falls back to engine.default_timeout.
	Timeout string `json:"timeout,omitempty"`

	// Overlap: "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`
}

type RuntimeConfig struct {
	Interpreter string `json:"interpreter,omitempty"`
	Version     string `json:"version,omitempty"`
	Venv        bool   `json:"venv,omitempty"`
}

// TriggerConfig keeps a disabled schedule in config rather than forcing its
// removal: the expression is still validated and reported, just not armed.
type TriggerConfig struct {
	Cron     string `json:"cron"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Spec converts a task entry into the validated runtime form.
func (t TaskConfig) Spec() (task.Spec, error) {
	timeout, err := ParseDurationField(fmt.Sprintf("tasks[%s].timeout", t.Name), t.Timeout)
	if err != nil {
		return task.Spec{}, err
	}

	var overlap task.OverlapPolicy
	switch strings.ToLower(strings.TrimSpace(t.Overlap)) {
	case "", "skip":
		overlap = task.OverlapSkip
	case "allow":
		overlap = task.OverlapAllow
	default:
		return task.Spec{}, fmt.Errorf("tasks[%s].overlap: unknown policy %q", t.Name, t.Overlap)
	}

	trig := task.Manual()
	if t.Trigger != nil {
		trig = task.Cron(t.Trigger.Cron)
		trig.Disabled = t.Trigger.Disabled
	}

	spec := task.Spec{
		Name:   strings.TrimSpace(t.Name),
		Script: strings.TrimSpace(t.Script),
		Runtime: task.RuntimeSpec{
			Interpreter: strings.TrimSpace(t.Runtime.Interpreter),
			Version:     strings.TrimSpace(t.Runtime.Version),
			Venv:        t.Runtime.Venv,
		},
		Manifest: strings.TrimSpace(t.Manifest),
		Env:      t.Env,
		Trigger:  trig,
		Timeout:  timeout,
		Overlap:  overlap,
	}
	if err := spec.Validate(); err != nil {
		return task.Spec{}, err
	}
	return spec, nil
}

// TaskSpecs converts and validates all task entries, rejecting duplicates.
func (c *Config) TaskSpecs() ([]task.Spec, error) {
	seen := make(map[string]struct{}, len(c.Tasks))
	specs := make([]task.Spec, 0, len(c.Tasks))
	for i, t := range c.Tasks {
		spec, err := t.Spec()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("tasks[%d]: duplicate task name %q", i, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if _, err := c.TaskSpecs(); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Secrets.Source)) {
	case "", "env":
	case "file":
		if strings.TrimSpace(c.Secrets.Path) == "" {
			return fmt.Errorf("secrets.path is required when secrets.source is %q", "file")
		}
	default:
		return fmt.Errorf("secrets.source: unknown source %q", c.Secrets.Source)
	}

	if c.Engine != nil {
		if _, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
			return err
		}
		if c.Engine.Workers < 0 {
			return fmt.Errorf("engine.workers must be >= 0")
		}
	}
	if c.History != nil {
		switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
		}
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Notifier != nil && c.Notifier.Enabled {
		if c.Notifier.Telegram == nil {
			return fmt.Errorf("notifier.telegram is required when notifier.enabled")
		}
		if strings.TrimSpace(c.Notifier.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required")
		}
		if c.Notifier.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required")
		}
	}

	return nil
}

// ParseDurationField parses a Go duration string from config. Empty means 0;
// negative durations are rejected. field names the config key for error text.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is empty or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// EngineEnabled resolves the engine on/off default: explicit engine.enabled
// wins, otherwise it follows scheduler.enabled.
func (c *Config) EngineEnabled() bool {
	if c.Engine != nil && c.Engine.Enabled != nil {
		return *c.Engine.Enabled
	}
	return c.Scheduler.Enabled
}

// EngineDefaultTimeout parses engine.default_timeout with a zero fallback.
func (c *Config) EngineDefaultTimeout() time.Duration {
	if c.Engine == nil {
		return 0
	}
	d, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout)
	if err != nil {
		return 0
	}
	return d
}
