package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// OverlapPolicy controls what happens when a trigger fires while a previous
// run of the same task is still executing (or queued).
type OverlapPolicy int

const (
	OverlapSkip OverlapPolicy = iota
	OverlapAllow
)

// Spec describes one runnable task: an external script plus the environment
// it needs. Specs come from config and are immutable once validated.
type Spec struct {
	Name   string
	Script string

	Runtime  RuntimeSpec
	Manifest string // optional dependency manifest; missing file is a no-op

	// Env maps environment-variable names to values. Values prefixed with
	// "secret:" are resolved through the secret store at run time; anything
	// else is passed through literally.
	Env map[string]string

	Trigger Trigger
	Timeout time.Duration
	Overlap OverlapPolicy
}

// RuntimeSpec pins the interpreter a script runs under.
type RuntimeSpec struct {
	// Interpreter is the executable to run the script with, e.g. "python3.11".
	// Empty means the script is executed directly (must be executable itself).
	Interpreter string

	// Version, when set, is asserted against `<interpreter> --version` output
	// during provisioning, e.g. "3.11".
	Version string

	// Venv requests a fresh per-task virtual environment for dependency
	// installs instead of installing into the interpreter's site-packages.
	Venv bool
}

var reEnvName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a spec for structural problems. Cron expressions are
// validated separately by the scheduler's parser.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("task name required")
	}
	if strings.TrimSpace(s.Script) == "" {
		return fmt.Errorf("task %q: script path required", s.Name)
	}
	for name := range s.Env {
		if !reEnvName.MatchString(name) {
			return fmt.Errorf("task %q: invalid env var name %q", s.Name, name)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("task %q: timeout must be >= 0", s.Name)
	}
	return s.Trigger.Validate()
}
