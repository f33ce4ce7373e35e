package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"taskrun/internal/secrets"
	"taskrun/internal/task"
	logx "taskrun/pkg/logx"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fixtures require a unix shell")
	}
}

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestRunner(t *testing.T, store secrets.Store) *Runner {
	t.Helper()
	return New(store, logx.Nop(), Options{WorkDir: t.TempDir()})
}

func TestRunDirectScriptSuccess(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	script := writeExecutable(t, dir, "job.sh", "#!/bin/sh\necho hello\nexit 0\n")

	r := newTestRunner(t, nil)
	res, err := r.Run(context.Background(), task.Spec{Name: "job", Script: script, Trigger: task.Manual()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "hello" {
		t.Fatalf("Stdout = %q", got)
	}
}

func TestRunScriptFailureCarriesExitCode(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	script := writeExecutable(t, dir, "job.sh", "#!/bin/sh\necho boom >&2\nexit 3\n")

	r := newTestRunner(t, nil)
	res, err := r.Run(context.Background(), task.Spec{Name: "job", Script: script, Trigger: task.Manual()})

	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ScriptError", err)
	}
	if se.ExitCode != 3 {
		t.Fatalf("ScriptError.ExitCode = %d, want 3", se.ExitCode)
	}
	if res == nil || res.ExitCode != 3 {
		t.Fatalf("Result = %+v, want exit 3", res)
	}
	if !strings.Contains(se.Stderr, "boom") {
		t.Fatalf("Stderr tail = %q", se.Stderr)
	}
}

func TestRunMissingInterpreter(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, nil)
	spec := task.Spec{
		Name:    "job",
		Script:  "/does/not/matter.py",
		Runtime: task.RuntimeSpec{Interpreter: "definitely-not-installed-interp"},
		Trigger: task.Manual(),
	}
	_, err := r.Run(context.Background(), spec)

	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProvisioningError", err)
	}
}

func TestRunVersionMismatch(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	interp := writeExecutable(t, dir, "fake-python", "#!/bin/sh\necho 'Python 3.10.2'\nexit 0\n")

	r := newTestRunner(t, nil)
	spec := task.Spec{
		Name:    "job",
		Script:  filepath.Join(dir, "job.py"),
		Runtime: task.RuntimeSpec{Interpreter: interp, Version: "3.11"},
		Trigger: task.Manual(),
	}
	_, err := r.Run(context.Background(), spec)

	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProvisioningError", err)
	}
	if !strings.Contains(pe.Error(), "3.11") {
		t.Fatalf("error should name the wanted version: %v", pe)
	}
}

func TestRunMissingManifestIsNoop(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	script := writeExecutable(t, dir, "job.sh", "#!/bin/sh\nexit 0\n")

	r := newTestRunner(t, nil)
	spec := task.Spec{
		Name:     "job",
		Script:   script,
		Manifest: filepath.Join(dir, "requirements.txt"), // never created
		Trigger:  task.Manual(),
	}
	if _, err := r.Run(context.Background(), spec); err != nil {
		t.Fatalf("missing manifest must not fail the run: %v", err)
	}
}

func TestRunInstallFailureSkipsScript(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, "script-ran")

	// Interpreter that fails any `-m pip ...` invocation and otherwise execs
	// its first argument.
	interp := writeExecutable(t, dir, "fake-python", fmt.Sprintf(`#!/bin/sh
if [ "$1" = "--version" ]; then echo 'Python 3.11.9'; exit 0; fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then echo 'resolver exploded' >&2; exit 1; fi
exec "$1"
`))
	script := writeExecutable(t, dir, "job.sh", "#!/bin/sh\ntouch "+marker+"\nexit 0\n")
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("requests==2.32.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestRunner(t, nil)
	spec := task.Spec{
		Name:     "job",
		Script:   script,
		Runtime:  task.RuntimeSpec{Interpreter: interp},
		Manifest: manifest,
		Trigger:  task.Manual(),
	}
	_, err := r.Run(context.Background(), spec)

	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DependencyError", err)
	}
	if !strings.Contains(de.Output, "resolver exploded") {
		t.Fatalf("Output tail = %q", de.Output)
	}
	if _, statErr := os.Stat(marker); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("script ran despite dependency failure")
	}
}

func TestRunPipelineWithInterpreterAndSecrets(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	pipMarker := filepath.Join(dir, "pip-ran")
	outFile := filepath.Join(dir, "env-out")

	interp := writeExecutable(t, dir, "fake-python", fmt.Sprintf(`#!/bin/sh
if [ "$1" = "--version" ]; then echo 'Python 3.11.9'; exit 0; fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then touch %s; exit 0; fi
exec "$1"
`, pipMarker))

	// The script records what it sees: literal env, resolved secret, and
	// whether the unresolved secret's variable exists at all.
	script := writeExecutable(t, dir, "job.sh", fmt.Sprintf(`#!/bin/sh
{
  echo "MODE=$MODE"
  echo "GROQ_API=$GROQ_API"
  if [ -z "${POCKET_CONSUMER_KEY+x}" ]; then echo "POCKET=unset"; else echo "POCKET=set"; fi
} > %s
`, outFile))
	manifest := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(manifest, []byte("groq==0.9.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := secrets.StaticStore{"GROQ_API": "gsk-abc"}
	r := newTestRunner(t, store)
	spec := task.Spec{
		Name:    "pocket-tagger",
		Script:  script,
		Runtime: task.RuntimeSpec{Interpreter: interp, Version: "3.11"},
		Env: map[string]string{
			"MODE":                "nightly",
			"GROQ_API":            "secret:GROQ_API",
			"POCKET_CONSUMER_KEY": "secret:POCKET_CONSUMER_KEY",
		},
		Manifest: manifest,
		Trigger:  task.Manual(),
	}

	res, err := r.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(pipMarker); err != nil {
		t.Fatal("pip install never ran")
	}
	if len(res.MissingSecrets) != 1 || res.MissingSecrets[0] != "POCKET_CONSUMER_KEY" {
		t.Fatalf("MissingSecrets = %v", res.MissingSecrets)
	}

	out, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"MODE=nightly", "GROQ_API=gsk-abc", "POCKET=unset"} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("child env missing %q; got:\n%s", want, out)
		}
	}
}

func TestRunVenvProvisioning(t *testing.T) {
	requireUnix(t)
	t.Parallel()

	dir := t.TempDir()
	work := t.TempDir()

	// `-m venv <dir>` plants a copy of the stub as <dir>/bin/python, which
	// the runner then uses for install and execution.
	interp := writeExecutable(t, dir, "fake-python", `#!/bin/sh
if [ "$1" = "--version" ]; then echo 'Python 3.11.9'; exit 0; fi
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then mkdir -p "$3/bin" && cp "$0" "$3/bin/python"; exit 0; fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then exit 0; fi
exec "$1"
`)
	script := writeExecutable(t, dir, "job.sh", "#!/bin/sh\nexit 0\n")

	r := New(nil, logx.Nop(), Options{WorkDir: work})
	spec := task.Spec{
		Name:    "venv-job",
		Script:  script,
		Runtime: task.RuntimeSpec{Interpreter: interp, Venv: true},
		Trigger: task.Manual(),
	}
	if _, err := r.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	venvPython := filepath.Join(work, "venv-job", "venv", "bin", "python")
	if _, err := os.Stat(venvPython); err != nil {
		t.Fatalf("venv interpreter missing: %v", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	b := &cappedBuffer{limit: 16}
	for i := 0; i < 10; i++ {
		_, _ = b.Write([]byte("0123456789"))
	}
	if got := b.buf.Len(); got > 16 {
		t.Fatalf("buffer grew to %d, cap is 16", got)
	}
	if !b.truncated {
		t.Fatal("expected truncation flag")
	}
}

func TestTail(t *testing.T) {
	t.Parallel()
	if got := tail([]byte("abcdef"), 3); got != "def" {
		t.Fatalf("tail = %q", got)
	}
	if got := tail([]byte("ab"), 3); got != "ab" {
		t.Fatalf("tail = %q", got)
	}
}
