package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"taskrun/internal/task"
	logx "taskrun/pkg/logx"
)

// Environment is a provisioned execution environment for one run.
// It is rebuilt fresh on every run and carries no state across runs.
type Environment struct {
	// Interpreter is the absolute path of the interpreter to use, or empty
	// when the script is executed directly.
	Interpreter string

	// VenvDir is set when a virtual environment was created for this run.
	VenvDir string
}

// provision locates the pinned interpreter, asserts its version when pinned,
// and creates a fresh virtualenv when requested.
func (r *Runner) provision(ctx context.Context, spec task.Spec) (Environment, error) {
	rt := spec.Runtime
	if strings.TrimSpace(rt.Interpreter) == "" {
		return Environment{}, nil
	}

	bin, err := exec.LookPath(rt.Interpreter)
	if err != nil {
		return Environment{}, &ProvisioningError{Runtime: rt.Interpreter, Err: err}
	}

	if v := strings.TrimSpace(rt.Version); v != "" {
		cmd := newCommand(ctx, bin, "--version")
		out, verr := cmd.CombinedOutput()
		if verr != nil {
			return Environment{}, &ProvisioningError{Runtime: rt.Interpreter, Err: fmt.Errorf("version probe: %w", verr)}
		}
		if !strings.Contains(string(out), v) {
			return Environment{}, &ProvisioningError{
				Runtime: rt.Interpreter,
				Err:     fmt.Errorf("version %q not satisfied by %q", v, strings.TrimSpace(string(out))),
			}
		}
	}

	env := Environment{Interpreter: bin}
	if !rt.Venv {
		return env, nil
	}

	// Fresh venv per run: remove any leftover from a previous run first.
	venvDir := filepath.Join(r.workDir, sanitizeName(spec.Name), "venv")
	if err := os.RemoveAll(venvDir); err != nil {
		return Environment{}, &ProvisioningError{Runtime: rt.Interpreter, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(venvDir), 0o755); err != nil {
		return Environment{}, &ProvisioningError{Runtime: rt.Interpreter, Err: err}
	}

	r.log.Debug("creating venv", logx.String("task", spec.Name), logx.String("dir", venvDir))
	cmd := newCommand(ctx, bin, "-m", "venv", venvDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Environment{}, &ProvisioningError{
			Runtime: rt.Interpreter,
			Err:     fmt.Errorf("venv: %w: %s", err, tail(out, 512)),
		}
	}

	env.VenvDir = venvDir
	env.Interpreter = filepath.Join(venvDir, "bin", "python")
	return env, nil
}

// sanitizeName makes a task name safe to use as a directory component.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
