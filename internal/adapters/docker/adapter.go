package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/mxtester/mx-tester/internal/core/domain"
	"github.com/mxtester/mx-tester/internal/core/ports"
)

// Synapse has a tendency to stop shortly after startup. Restarting it on
// failure a bounded number of times helps a lot.
const maxRestartCount = 20

// Adapter implements ports.ContainerEngine using the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// NewAdapter creates a new Docker adapter instance.
func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// BuildImage tars the context directory and sends it to the daemon,
// streaming build progress to out. Registry credentials, when present, are
// attached to this call only.
func (a *Adapter) BuildImage(ctx context.Context, build ports.ImageBuild, out io.Writer) error {
	tar, err := archive.TarWithOptions(build.ContextDir, &archive.TarOptions{})
	if err != nil {
		return &domain.EngineError{Op: "create build context", Err: err}
	}
	defer tar.Close()

	options := types.ImageBuildOptions{
		Tags:        []string{build.Tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		PullParent:  build.Pull,
		NoCache:     true,
		AuthConfigs: authConfigs(build.Auth),
	}
	resp, err := a.cli.ImageBuild(ctx, tar, options)
	if err != nil {
		return &domain.EngineError{Op: "build image " + build.Tag, Err: err}
	}
	defer resp.Body.Close()

	// The daemon reports progress as a stream of JSON messages; an error
	// message means the build failed even though the HTTP call succeeded.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return &domain.EngineError{Op: "read build output", Err: err}
		}
		if msg.Error != "" {
			return &domain.EngineError{Op: "build image " + build.Tag, Err: fmt.Errorf("%s", msg.Error)}
		}
		if msg.Stream != "" && out != nil {
			io.WriteString(out, msg.Stream)
		}
	}
	return nil
}

// EnsureNetwork creates the named network unless it already exists. A suite
// script may have created it first, e.g. to attach a helper container.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	up, err := a.isNetworkUp(ctx, name)
	if err != nil {
		return err
	}
	if up {
		return nil
	}
	_, err = a.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		CheckDuplicate: true,
		Attachable:     true,
	})
	if err != nil {
		return &domain.EngineError{Op: "create network " + name, Err: err}
	}
	return nil
}

func (a *Adapter) isNetworkUp(ctx context.Context, name string) (bool, error) {
	networks, err := a.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, &domain.EngineError{Op: "list networks", Err: err}
	}
	// The filter matches substrings, so double-check the result.
	for _, n := range networks {
		if n.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// StartContainer creates, connects and starts a container. When a log path
// is configured the container output is followed into that file for the
// lifetime of ctx.
func (a *Adapter) StartContainer(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	id, err := a.createContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := a.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return "", &domain.EngineError{Op: "start container " + spec.Name, Err: err}
	}
	if spec.LogPath != "" {
		if err := a.followLogs(ctx, id, spec.LogPath); err != nil {
			return "", err
		}
	}
	return id, nil
}

// RunContainer creates and starts a container, waits for it to exit, copies
// its output to out and removes it. A non-zero exit status is an error.
func (a *Adapter) RunContainer(ctx context.Context, spec ports.ContainerSpec, out io.Writer) error {
	id, err := a.createContainer(ctx, spec)
	if err != nil {
		return err
	}
	defer a.RemoveContainer(context.WithoutCancel(ctx), spec.Name)

	if err := a.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return &domain.EngineError{Op: "start container " + spec.Name, Err: err}
	}

	statusCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var status container.WaitResponse
	select {
	case err := <-errCh:
		return &domain.EngineError{Op: "wait for container " + spec.Name, Err: err}
	case status = <-statusCh:
	}

	if out != nil {
		logs, err := a.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
		})
		if err == nil {
			stdcopy.StdCopy(out, out, logs)
			logs.Close()
		}
	}
	if status.StatusCode != 0 {
		return &domain.EngineError{
			Op:  "run container " + spec.Name,
			Err: fmt.Errorf("exited with status %d", status.StatusCode),
		}
	}
	return nil
}

func (a *Adapter) createContainer(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, mapping := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", mapping.Guest))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(mapping.Host)}}
	}

	config := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          spec.Env,
		Cmd:          strslice.StrSlice(spec.Cmd),
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: bindings,
		ExtraHosts:   spec.ExtraHosts,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: maxRestartCount,
		},
	}
	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", &domain.EngineError{Op: "create container " + spec.Name, Err: err}
	}
	return resp.ID, nil
}

// followLogs streams the container output into a file until ctx is done or
// the container stops.
func (a *Adapter) followLogs(ctx context.Context, id, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logs, err := a.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "10",
	})
	if err != nil {
		file.Close()
		return &domain.EngineError{Op: "stream container logs", Err: err}
	}
	go func() {
		defer file.Close()
		defer logs.Close()
		stdcopy.StdCopy(file, file, logs)
	}()
	return nil
}

// IsContainerRunning reports whether a container with this exact name is
// currently running.
func (a *Adapter) IsContainerRunning(ctx context.Context, name string) (bool, error) {
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, &domain.EngineError{Op: "list containers", Err: err}
	}
	// The filter matches substrings, so double-check the result. Names are
	// reported with a leading slash.
	for _, c := range containers {
		for _, candidate := range c.Names {
			if strings.TrimPrefix(candidate, "/") == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// StopContainer stops a container, giving it a bounded grace period before
// the daemon kills it. Already-stopped or absent containers are not errors.
func (a *Adapter) StopContainer(ctx context.Context, name string) error {
	graceSeconds := 10
	opts := container.StopOptions{Timeout: &graceSeconds}
	if err := a.cli.ContainerStop(ctx, name, opts); err != nil && !absent(err) {
		return &domain.EngineError{Op: "stop container " + name, Err: err}
	}
	return nil
}

// RemoveContainer removes a container. Absent containers are not errors.
func (a *Adapter) RemoveContainer(ctx context.Context, name string) error {
	err := a.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !absent(err) {
		return &domain.EngineError{Op: "remove container " + name, Err: err}
	}
	return nil
}

// RemoveNetwork removes a network. Absent networks are not errors.
func (a *Adapter) RemoveNetwork(ctx context.Context, name string) error {
	if err := a.cli.NetworkRemove(ctx, name); err != nil && !absent(err) {
		return &domain.EngineError{Op: "remove network " + name, Err: err}
	}
	return nil
}

// RemoveImage removes an image tag. Absent images are not errors.
func (a *Adapter) RemoveImage(ctx context.Context, tag string) error {
	_, err := a.cli.ImageRemove(ctx, tag, types.ImageRemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !absent(err) {
		return &domain.EngineError{Op: "remove image " + tag, Err: err}
	}
	return nil
}

func absent(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsNotModified(err)
}

func authConfigs(auth *domain.Credentials) map[string]registry.AuthConfig {
	if auth == nil || auth.ServerAddress == "" {
		return nil
	}
	return map[string]registry.AuthConfig{
		auth.ServerAddress: {
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: auth.ServerAddress,
		},
	}
}
