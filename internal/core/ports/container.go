package ports

import (
	"context"
	"io"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// ImageBuild describes one image build request. The context directory is
// tarred and sent to the engine as the build context.
type ImageBuild struct {
	ContextDir string
	Tag        string

	// Pull the base image even if present locally.
	Pull bool

	// Auth is attached to this call only when set. Never persisted.
	Auth *domain.Credentials
}

// ContainerSpec describes one container to create and start.
type ContainerSpec struct {
	Name     string
	Image    string
	Network  string
	Hostname string
	Env      []string
	Cmd      []string
	Ports    []domain.PortMapping
	Binds    []string

	// ExtraHosts makes the host reachable from inside the container, e.g.
	// "host.docker.internal:host-gateway".
	ExtraHosts []string

	// LogPath receives the container output when non-empty.
	LogPath string
}

// ContainerEngine defines the operations the orchestrator needs from the
// container engine. This interface allows switching between Docker and
// Podman without changing the phase logic, and lets tests substitute a fake.
type ContainerEngine interface {
	// BuildImage builds an image from a context directory, streaming build
	// output to out. Failures carry the engine's error message.
	BuildImage(ctx context.Context, build ImageBuild, out io.Writer) error

	// EnsureNetwork creates the named network unless it already exists.
	EnsureNetwork(ctx context.Context, name string) error

	// StartContainer creates, connects and starts a container, returning
	// its identifier. It does not wait for the container to exit.
	StartContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// RunContainer creates and starts a container, waits for it to exit,
	// streams its output to out, removes it, and fails on a non-zero exit.
	RunContainer(ctx context.Context, spec ContainerSpec, out io.Writer) error

	// IsContainerRunning reports whether a container with this exact name
	// is currently running.
	IsContainerRunning(ctx context.Context, name string) (bool, error)

	// The teardown operations treat already-absent resources as success.
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, tag string) error
}
