package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"taskrun/internal/runner"
)

func TestManualDispatchEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fixtures require a unix shell")
	}
	t.Parallel()

	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.sh")
	if err := os.WriteFile(ok, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.sh")
	if err := os.WriteFile(bad, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`
logging:
  level: error
  console: false
scheduler:
  enabled: false
history:
  driver: file
  path: %s
tasks:
  - name: ok-task
    script: %s
  - name: bad-task
    script: %s
`, filepath.Join(dir, "runs.jsonl"), ok, bad)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.StartEngineOnly(ctx); err != nil {
		t.Fatalf("StartEngineOnly: %v", err)
	}
	defer a.Stop(context.Background())

	ran, err := a.RunTask(ctx, "ok-task")
	if !ran || err != nil {
		t.Fatalf("RunTask(ok-task) = %v, %v", ran, err)
	}

	ran, err = a.RunTask(ctx, "bad-task")
	if !ran {
		t.Fatalf("bad-task should have run, err = %v", err)
	}
	var se *runner.ScriptError
	if !errors.As(err, &se) || se.ExitCode != 3 {
		t.Fatalf("err = %v, want ScriptError exit 3", err)
	}

	ran, err = a.RunTask(ctx, "ghost")
	if ran || !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("RunTask(ghost) = %v, %v", ran, err)
	}

	recs, err := a.RecentRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("journal records = %d, want 2", len(recs))
	}
	if recs[0].Task != "bad-task" || recs[0].ExitCode != 3 {
		t.Fatalf("latest record = %+v", recs[0])
	}
}

func TestTasksListing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := `
logging:
  level: error
  console: false
scheduler:
  enabled: true
tasks:
  - name: nightly
    script: /opt/tasks/nightly.py
    trigger:
      cron: "0 2 * * *"
      disabled: true
  - name: adhoc
    script: /opt/tasks/adhoc.sh
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background())

	tasks := a.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	// Sorted by name.
	if tasks[0].Name != "adhoc" || tasks[1].Name != "nightly" {
		t.Fatalf("order = %s, %s", tasks[0].Name, tasks[1].Name)
	}
	if tasks[0].Trigger != "manual" {
		t.Fatalf("adhoc trigger = %q", tasks[0].Trigger)
	}
	if tasks[1].Trigger != "cron(0 2 * * *, disabled)" {
		t.Fatalf("nightly trigger = %q", tasks[1].Trigger)
	}
	if !tasks[1].Next.IsZero() {
		t.Fatal("dormant trigger must not report a next fire time")
	}
}
