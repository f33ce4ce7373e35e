package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskrun/internal/task"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: "UTC"
engine:
  workers: 2
  default_timeout: "10m"
secrets:
  source: env
  prefix: TR_
tasks:
  - name: pocket-tagger
    script: /opt/tasks/pocket_tagger.py
    runtime:
      interpreter: python3.11
      version: "3.11"
      venv: true
    manifest: /opt/tasks/requirements.txt
    env:
      POCKET_CONSUMER_KEY: "secret:POCKET_CONSUMER_KEY"
      GROQ_API: "secret:GROQ_API"
    trigger:
      cron: "0 2 * * *"
      disabled: true
    timeout: "20m"
  - name: adhoc
    script: /opt/tasks/adhoc.sh
    overlap: allow
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("unexpected top-level config: %+v", cfg)
	}
	if got := cfg.EngineDefaultTimeout(); got != 10*time.Minute {
		t.Fatalf("EngineDefaultTimeout = %v", got)
	}
	if !cfg.EngineEnabled() {
		t.Fatal("engine should default to scheduler.enabled")
	}

	specs, err := cfg.TaskSpecs()
	if err != nil {
		t.Fatalf("TaskSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}

	tagger := specs[0]
	if tagger.Name != "pocket-tagger" || tagger.Runtime.Interpreter != "python3.11" || !tagger.Runtime.Venv {
		t.Fatalf("tagger spec = %+v", tagger)
	}
	if tagger.Trigger.Kind != task.KindCron || !tagger.Trigger.Disabled || tagger.Trigger.Cron != "0 2 * * *" {
		t.Fatalf("tagger trigger = %+v", tagger.Trigger)
	}
	if tagger.Trigger.Active() {
		t.Fatal("disabled cron trigger must not be active")
	}
	if tagger.Timeout != 20*time.Minute {
		t.Fatalf("tagger timeout = %v", tagger.Timeout)
	}
	if tagger.Env["GROQ_API"] != "secret:GROQ_API" {
		t.Fatalf("tagger env = %v", tagger.Env)
	}

	adhoc := specs[1]
	if adhoc.Trigger.Kind != task.KindManual {
		t.Fatalf("adhoc trigger = %+v", adhoc.Trigger)
	}
	if adhoc.Overlap != task.OverlapAllow {
		t.Fatalf("adhoc overlap = %v", adhoc.Overlap)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
scheduler:
  enabled: true
  werkers: 3
tasks: []
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestDuplicateTaskNamesRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
scheduler:
  enabled: true
tasks:
  - name: a
    script: /x.sh
  - name: a
    script: /y.sh
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected duplicate task names to be rejected")
	}
}

func TestInvalidOverlapRejected(t *testing.T) {
	t.Parallel()
	tc := TaskConfig{Name: "a", Script: "/x.sh", Overlap: "retry"}
	if _, err := tc.Spec(); err == nil {
		t.Fatal("expected unknown overlap policy to be rejected")
	}
}

func TestSecretsFileSourceRequiresPath(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
scheduler:
  enabled: true
secrets:
  source: file
tasks: []
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected file source without path to be rejected")
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{
  "scheduler": {"enabled": true},
  "tasks": [{"name": "a", "script": "/x.sh"}]
}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Name != "a" {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
}

func TestWatchReloadValidatorAndSuppression(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	base := "scheduler:\n  enabled: true\ntasks: []\n"
	if err := os.WriteFile(path, []byte(base), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, c *Config) error {
		for _, tc := range c.Tasks {
			if tc.Name == "forbidden" {
				return errors.New("forbidden task")
			}
		}
		return nil
	})

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = m.Watch(ctx)
	}()
	// Let the watcher arm before the first edit.
	time.Sleep(500 * time.Millisecond)

	updated := "scheduler:\n  enabled: true\n  timezone: \"UTC\"\ntasks: []\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.Timezone != "UTC" {
			t.Fatalf("published timezone = %q", cfg.Scheduler.Timezone)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no publish after config change")
	}

	// A validator-rejected edit is neither committed nor published.
	bad := "scheduler:\n  enabled: true\n  timezone: \"UTC\"\ntasks:\n  - name: forbidden\n    script: /x.sh\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
	if got := m.Get(); len(got.Tasks) != 0 || got.Scheduler.Timezone != "UTC" {
		t.Fatalf("rejected config was committed: %+v", got)
	}

	// Rewriting identical content publishes nothing (content-hash check).
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub:
		t.Fatal("unchanged config was republished")
	case <-time.After(1500 * time.Millisecond):
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
