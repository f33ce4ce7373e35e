// Package runner executes one task run as a strict provision → install → run
// pipeline. Any step failing aborts the run; there are no retries and no
// partial-success semantics.
package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"taskrun/internal/secrets"
	"taskrun/internal/task"
	logx "taskrun/pkg/logx"
)

// Result captures one script invocation. It lives for the duration of the
// run only; the history journal records the outcome, never the output.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Started  time.Time
	Duration time.Duration

	// MissingSecrets lists env vars left unset because their secret
	// reference did not resolve.
	MissingSecrets []string
}

type Options struct {
	// WorkDir is where per-task venvs live. Defaults to os.TempDir()/taskrun.
	WorkDir string

	// InheritEnv lists parent env vars passed through to the child.
	// Defaults to a minimal, deterministic set.
	InheritEnv []string
}

var defaultInheritEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ", "USER"}

type Runner struct {
	store   secrets.Store
	log     logx.Logger
	workDir string
	inherit []string
}

func New(store secrets.Store, log logx.Logger, opts Options) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	wd := strings.TrimSpace(opts.WorkDir)
	if wd == "" {
		wd = filepath.Join(os.TempDir(), "taskrun")
	}
	inherit := opts.InheritEnv
	if len(inherit) == 0 {
		inherit = defaultInheritEnv
	}
	return &Runner{store: store, log: log, workDir: wd, inherit: inherit}
}

// Run executes spec to completion and returns its result.
//
// The returned error is one of ProvisioningError, DependencyError or
// ScriptError (or a secret-store failure). On ScriptError the Result is
// still returned so callers can inspect output and exit code.
func (r *Runner) Run(ctx context.Context, spec task.Spec) (*Result, error) {
	env, err := r.provision(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := r.installDeps(ctx, spec, env); err != nil {
		return nil, err
	}

	resolved, err := secrets.ResolveBindings(ctx, r.store, spec.Env)
	if err != nil {
		return nil, err
	}
	for _, name := range resolved.Missing {
		// Name only. The value never existed; the reference stays private.
		r.log.Warn("secret unresolved, env var left unset", logx.String("task", spec.Name), logx.String("var", name))
	}

	cmd := r.scriptCommand(ctx, spec, env)
	cmd.Env = append(r.baseEnv(env), resolved.Env...)
	cmd.Dir = filepath.Dir(spec.Script)

	started := time.Now()
	r.log.Info("running script",
		logx.String("task", spec.Name),
		logx.String("script", spec.Script),
		logx.String("trigger", spec.Trigger.Kind.String()),
	)

	stdout, stderr, waitErr := runCapture(cmd)
	res := &Result{
		ExitCode:       exitCode(waitErr),
		Stdout:         stdout,
		Stderr:         stderr,
		Started:        started,
		Duration:       time.Since(started),
		MissingSecrets: resolved.Missing,
	}

	if waitErr != nil {
		// Context death (timeout/shutdown) surfaces as the context error so
		// the engine can distinguish it from a genuine script failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, &ScriptError{Script: spec.Script, ExitCode: res.ExitCode, Stderr: tail(stderr, 2048)}
	}

	r.log.Info("script completed",
		logx.String("task", spec.Name),
		logx.Duration("dur", res.Duration),
	)
	return res, nil
}

// scriptCommand builds the exec.Cmd for the script invocation: through the
// provisioned interpreter when one is pinned, directly otherwise.
func (r *Runner) scriptCommand(ctx context.Context, spec task.Spec, env Environment) *exec.Cmd {
	if env.Interpreter != "" {
		return newCommand(ctx, env.Interpreter, spec.Script)
	}
	return newCommand(ctx, spec.Script)
}

// baseEnv builds the minimal child environment: the inherited allowlist plus
// venv activation variables when a venv is in play.
func (r *Runner) baseEnv(env Environment) []string {
	out := make([]string, 0, len(r.inherit)+2)
	for _, name := range r.inherit {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		// venv bin dir first so plain `python`/`pip` resolve inside it.
		if name == "PATH" && env.VenvDir != "" {
			v = filepath.Join(env.VenvDir, "bin") + string(os.PathListSeparator) + v
		}
		out = append(out, name+"="+v)
	}
	if env.VenvDir != "" {
		out = append(out, "VIRTUAL_ENV="+env.VenvDir)
	}
	return out
}
