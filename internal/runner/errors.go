package runner

import "fmt"

// The three failure kinds of a task run. Each aborts the run; none are
// retried. A run that produces none of these succeeded.

// ProvisioningError means the pinned runtime could not be prepared
// (interpreter missing, version mismatch, venv creation failure).
type ProvisioningError struct {
	Runtime string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Runtime, e.Err)
}
func (e *ProvisioningError) Unwrap() error { return e.Err }

// DependencyError means the manifest install step failed. The script is
// never invoked after a DependencyError.
type DependencyError struct {
	Manifest string
	Err      error
	Output   string // tail of installer output, for diagnostics
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("installing %s: %v", e.Manifest, e.Err)
}
func (e *DependencyError) Unwrap() error { return e.Err }

// ScriptError means the script itself ran and exited nonzero.
type ScriptError struct {
	Script   string
	ExitCode int
	Stderr   string // tail of stderr, for diagnostics
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s exited with code %d", e.Script, e.ExitCode)
}
