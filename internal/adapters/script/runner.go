package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// Runner executes operator-supplied command lists in a shell. Output is
// streamed live and teed into per-phase capture files, so long-running
// scripts such as server startup helpers give feedback as they go.
type Runner struct {
	// LogDir receives the stdout/stderr captures, one pair per phase.
	LogDir string

	// Stdout and Stderr receive the live stream. They default to the
	// process streams.
	Stdout io.Writer
	Stderr io.Writer

	logger *slog.Logger
}

// New creates a runner writing captures under logDir.
func New(logDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		LogDir: logDir,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		logger: logger,
	}
}

// RunAll executes the commands in order. Each command inherits the process
// environment plus the given contract, and runs an expanded (tilde/variable)
// form of its own text. The first non-zero exit stops the list with a
// *domain.ScriptError. No timeout is applied at this layer.
func (r *Runner) RunAll(ctx context.Context, phase string, commands []string, env map[string]string) error {
	if len(commands) == 0 {
		return nil
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create script log directory %s: %w", r.LogDir, err)
	}
	outFile, err := os.Create(filepath.Join(r.LogDir, phase+".out"))
	if err != nil {
		return fmt.Errorf("failed to create script capture file: %w", err)
	}
	defer outFile.Close()
	errFile, err := os.Create(filepath.Join(r.LogDir, phase+".log"))
	if err != nil {
		return fmt.Errorf("failed to create script capture file: %w", err)
	}
	defer errFile.Close()

	for i, raw := range commands {
		expanded := Expand(raw, env)
		r.logger.Info("running script", "phase", phase, "index", i, "command", expanded)

		cmd := exec.CommandContext(ctx, shell(), "-c", expanded)
		cmd.Env = mergedEnv(env)
		cmd.Stdout = io.MultiWriter(r.Stdout, outFile)
		cmd.Stderr = io.MultiWriter(r.Stderr, errFile)

		if err := cmd.Run(); err != nil {
			code := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			return &domain.ScriptError{Phase: phase, Index: i, Command: raw, ExitCode: code}
		}
	}
	return nil
}

// Expand substitutes $VAR/${VAR} references and a leading tilde in a command
// string. Contract variables take precedence over the process environment.
func Expand(text string, env map[string]string) string {
	lookup := func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	}
	expanded := os.Expand(text, lookup)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if expanded == "~" || strings.HasPrefix(expanded, "~/") {
			expanded = home + strings.TrimPrefix(expanded, "~")
		}
		expanded = strings.ReplaceAll(expanded, " ~/", " "+home+"/")
	}
	return expanded
}

func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}

func shell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}
