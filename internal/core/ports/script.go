package ports

import "context"

// ScriptRunner executes ordered lists of operator-supplied commands. The
// commands are opaque: the runner expands and executes them but does not
// interpret their content.
type ScriptRunner interface {
	// RunAll executes the commands in order under the given environment
	// contract. It stops at the first non-zero exit and returns a
	// *domain.ScriptError identifying the phase, index and exit code. No
	// timeout is applied at this layer.
	RunAll(ctx context.Context, phase string, commands []string, env map[string]string) error
}
