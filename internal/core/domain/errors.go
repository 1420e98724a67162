package domain

import (
	"errors"
	"fmt"
)

// ErrServerUnreachable is returned when the reachability probe exhausts its
// retry budget without the homeserver answering. Provisioning is never
// attempted after this error.
var ErrServerUnreachable = errors.New("homeserver did not become reachable")

// ConfigError reports an invalid suite configuration. It is always raised
// before any side effect.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// ScriptError reports a non-zero exit from an operator script. It identifies
// the phase, the position of the script in its list, and the exit code.
type ScriptError struct {
	Phase    string
	Index    int
	Command  string
	ExitCode int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s script %d (%q) exited with code %d", e.Phase, e.Index, e.Command, e.ExitCode)
}

// EngineError reports a failure of the container engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("container engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ProvisionError reports a fixture the administrative API rejected, so the
// operator sees which user or room failed.
type ProvisionError struct {
	Fixture string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Fixture, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
