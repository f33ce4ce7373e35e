package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"taskrun/internal/task"
	logx "taskrun/pkg/logx"
)

// installDeps installs the manifest into the environment.
//
// Contract: a missing manifest (no path configured, or path configured but
// the file does not exist) is a no-op and the run proceeds. Any install
// failure is a DependencyError and the script is never invoked.
func (r *Runner) installDeps(ctx context.Context, spec task.Spec, env Environment) error {
	manifest := spec.Manifest
	if manifest == "" {
		return nil
	}
	if _, err := os.Stat(manifest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Debug("no manifest, skipping install", logx.String("task", spec.Name), logx.String("manifest", manifest))
			return nil
		}
		return &DependencyError{Manifest: manifest, Err: err}
	}

	if env.Interpreter == "" {
		return &DependencyError{Manifest: manifest, Err: fmt.Errorf("no interpreter configured for dependency install")}
	}

	r.log.Info("installing dependencies", logx.String("task", spec.Name), logx.String("manifest", manifest))
	cmd := newCommand(ctx, env.Interpreter, "-m", "pip", "install", "-r", manifest)
	cmd.Env = r.baseEnv(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &DependencyError{Manifest: manifest, Err: err, Output: tail(out, 2048)}
	}
	return nil
}
