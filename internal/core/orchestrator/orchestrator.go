package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"github.com/mxtester/mx-tester/internal/core/domain"
	"github.com/mxtester/mx-tester/internal/core/ports"
	"github.com/mxtester/mx-tester/internal/core/provision"
)

// probeAttempts caps the reachability polling, so a dead server fails fast
// instead of hanging the whole suite.
const probeAttempts = 15

// Orchestrator drives the build/up/run/down lifecycle of one suite. Phases
// execute strictly in sequence; each verb is also independently callable.
type Orchestrator struct {
	cfg     *domain.Config
	engine  ports.ContainerEngine
	scripts ports.ScriptRunner
	admin   ports.ServerAdmin
	logger  *slog.Logger

	// Output receives streamed build and setup logs. Defaults to stdout.
	Output io.Writer
}

// New wires an orchestrator from its collaborators.
func New(cfg *domain.Config, engine ports.ContainerEngine, scripts ports.ScriptRunner, admin ports.ServerAdmin, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		scripts: scripts,
		admin:   admin,
		logger:  logger,
		Output:  os.Stdout,
	}
}

// Build produces the derived Synapse image: module sources are cloned and
// built into the staging directory, the Dockerfile and the merged
// configuration overlay are generated next to them, and the whole tree goes
// to the engine as the build context. Rebuilding an existing image replaces
// it.
func (o *Orchestrator) Build(ctx context.Context) error {
	o.logger.Info("build step starting", "image", o.cfg.Tag())

	// Remove any trace of a previous build. Absent resources are fine.
	handle := domain.HandleFor(o.cfg)
	o.discard(o.engine.StopContainer(ctx, handle.RunContainer))
	o.discard(o.engine.RemoveContainer(ctx, handle.RunContainer))
	o.discard(o.engine.StopContainer(ctx, handle.SetupContainer))
	o.discard(o.engine.RemoveContainer(ctx, handle.SetupContainer))
	o.discard(o.engine.RemoveImage(ctx, handle.Image))

	if err := o.clearTestRoot(); err != nil {
		return err
	}
	for _, dir := range []string{
		o.cfg.SynapseDataDir(),
		o.cfg.DockerLogsDir(),
		o.cfg.ScriptsLogDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := o.buildModules(ctx); err != nil {
		return err
	}

	if err := writeOverlayFile(o.cfg); err != nil {
		return err
	}
	if err := writeDockerfile(o.cfg); err != nil {
		return err
	}

	logPath := filepath.Join(o.cfg.DockerLogsDir(), "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create build log %s: %w", logPath, err)
	}
	defer logFile.Close()
	o.logger.Info("building image", "tag", handle.Image, "log", logPath)

	build := ports.ImageBuild{
		ContextDir: o.cfg.SynapseRoot(),
		Tag:        handle.Image,
		Pull:       true,
		Auth:       registryAuth(o.cfg),
	}
	if err := o.engine.BuildImage(ctx, build, io.MultiWriter(o.Output, logFile)); err != nil {
		return err
	}
	o.logger.Info("build step success")
	return nil
}

// Up brings the environment up: network, before-hooks, homeserver config
// generation, the Synapse container, reachability, fixtures, after-hooks.
// The returned handle is non-nil as soon as the container started, even when
// a later step failed, so the caller can decide to tear it down.
func (o *Orchestrator) Up(ctx context.Context) (*domain.ServerHandle, error) {
	o.logger.Info("up step starting", "network", o.cfg.Network())
	handle := domain.HandleFor(o.cfg)

	if err := o.engine.EnsureNetwork(ctx, handle.Network); err != nil {
		return nil, err
	}

	env, err := o.cfg.ScriptEnv()
	if err != nil {
		return nil, err
	}
	if err := o.scripts.RunAll(ctx, "up.before", o.cfg.Up.Before, env); err != nil {
		return nil, err
	}

	if err := o.generateHomeserverConfig(ctx, handle); err != nil {
		return nil, err
	}
	if err := patchHomeserverConfig(o.cfg); err != nil {
		return nil, err
	}

	if err := o.startSynapse(ctx, handle); err != nil {
		return nil, err
	}

	if err := o.waitReachable(ctx); err != nil {
		return handle, err
	}

	if err := provision.New(o.admin, o.logger).Apply(ctx, o.cfg); err != nil {
		return handle, err
	}

	// A failure here is reported but does not undo the container start;
	// the caller decides whether to call Down.
	if err := o.scripts.RunAll(ctx, "up.after", o.cfg.Up.After, env); err != nil {
		return handle, err
	}
	o.logger.Info("up step success", "base_url", handle.BaseURL)
	return handle, nil
}

// Run executes the test scripts in order, stopping at the first failure.
func (o *Orchestrator) Run(ctx context.Context) domain.PhaseResult {
	o.logger.Info("run step starting")
	env, err := o.cfg.ScriptEnv()
	if err != nil {
		return domain.RunFailed(err)
	}
	if err := o.scripts.RunAll(ctx, "run", o.cfg.Run, env); err != nil {
		o.logger.Error("run step failed", "cause", err)
		return domain.RunFailed(err)
	}
	o.logger.Info("run step success")
	return domain.RunSucceeded()
}

// Down always attempts full teardown. The success or failure hook runs
// first, depending on the run outcome (neither for a bare down), then the
// finally hook, then the container is stopped and the network removed.
// Every step runs even when an earlier one fails: resource leakage is worse
// than a partially-reported error. The collected failures are surfaced once
// teardown completes.
func (o *Orchestrator) Down(ctx context.Context, result domain.PhaseResult) error {
	o.logger.Info("down step starting", "outcome", result.Outcome.String())
	handle := domain.HandleFor(o.cfg)
	var failures []error

	env, err := o.cfg.ScriptEnv()
	if err != nil {
		failures = append(failures, err)
		env = map[string]string{}
	}

	switch result.Outcome {
	case domain.OutcomeSuccess:
		if err := o.scripts.RunAll(ctx, "down.success", o.cfg.Down.Success, env); err != nil {
			failures = append(failures, err)
		}
	case domain.OutcomeFailure:
		if err := o.scripts.RunAll(ctx, "down.failure", o.cfg.Down.Failure, env); err != nil {
			failures = append(failures, err)
		}
	}
	if err := o.scripts.RunAll(ctx, "down.finally", o.cfg.Down.Finally, env); err != nil {
		failures = append(failures, err)
	}

	// Resource teardown is best-effort and idempotent, safe to call from a
	// cancellation path.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, step := range []func() error{
		func() error { return o.engine.StopContainer(cleanupCtx, handle.RunContainer) },
		func() error { return o.engine.RemoveContainer(cleanupCtx, handle.RunContainer) },
		func() error { return o.engine.RemoveContainer(cleanupCtx, handle.SetupContainer) },
		func() error { return o.engine.RemoveNetwork(cleanupCtx, handle.Network) },
	} {
		if err := step(); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		o.logger.Error("down step finished with failures", "count", len(failures))
		return errors.Join(failures...)
	}
	o.logger.Info("down step success")
	return nil
}

// generateHomeserverConfig runs the setup container once to let Synapse
// generate its homeserver.yaml into the data directory.
func (o *Orchestrator) generateHomeserverConfig(ctx context.Context, handle *domain.ServerHandle) error {
	if err := os.MkdirAll(o.cfg.SynapseDataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	// Leftover config from a previous up would mask generation failures,
	// and a leftover container under the setup name would block create.
	os.Remove(filepath.Join(o.cfg.SynapseDataDir(), "homeserver.yaml"))
	if err := o.engine.RemoveContainer(ctx, handle.SetupContainer); err != nil {
		return err
	}

	spec := ports.ContainerSpec{
		Name:     handle.SetupContainer,
		Image:    handle.Image,
		Network:  handle.Network,
		Hostname: o.cfg.Docker.Hostname,
		Env:      synapseEnv(o.cfg),
		Cmd:      startCommand(o.cfg, true),
		Binds:    []string{o.cfg.SynapseDataDir() + ":/data:rw"},
	}
	if err := o.engine.RunContainer(ctx, spec, o.Output); err != nil {
		return fmt.Errorf("failed to generate homeserver.yaml: %w", err)
	}
	return nil
}

// startSynapse starts the long-lived Synapse container with the configured
// port mapping and hostname, publishing its logs to the docker log dir. A
// container already running under this name is reused, so repeated ups
// converge instead of colliding.
func (o *Orchestrator) startSynapse(ctx context.Context, handle *domain.ServerHandle) error {
	running, err := o.engine.IsContainerRunning(ctx, handle.RunContainer)
	if err != nil {
		return err
	}
	if running {
		o.logger.Info("server container already running", "container", handle.RunContainer)
		return nil
	}
	// A stopped leftover under the same name would make create fail.
	if err := o.engine.RemoveContainer(ctx, handle.RunContainer); err != nil {
		return err
	}

	mappings := append([]domain.PortMapping{}, o.cfg.Docker.PortMapping...)
	mappings = append(mappings, domain.PortMapping{
		Host:  o.cfg.Homeserver.HostPort,
		Guest: domain.GuestPort,
	})
	spec := ports.ContainerSpec{
		Name:     handle.RunContainer,
		Image:    handle.Image,
		Network:  handle.Network,
		Hostname: o.cfg.Docker.Hostname,
		Env:      synapseEnv(o.cfg),
		Cmd:      startCommand(o.cfg, false),
		Ports:    mappings,
		Binds:    []string{o.cfg.SynapseDataDir() + ":/data:rw"},
		// Tests that need loopback-to-host calls reach the host under
		// this fixed alias.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		LogPath:    filepath.Join(o.cfg.DockerLogsDir(), "up-run-down.log"),
	}
	if _, err := o.engine.StartContainer(ctx, spec); err != nil {
		return err
	}
	return nil
}

// waitReachable polls the liveness endpoint with exponential backoff until
// the server answers or the retry budget is exhausted.
func (o *Orchestrator) waitReachable(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), probeAttempts), ctx)
	probe := func() error {
		return o.admin.Probe(ctx)
	}
	if err := backoff.Retry(probe, policy); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrServerUnreachable, err)
	}
	return nil
}

// buildModules clones and builds every declared module into its staging
// subdirectory. Failures are attributed to the module that caused them.
func (o *Orchestrator) buildModules(ctx context.Context) error {
	env, err := o.cfg.ScriptEnv()
	if err != nil {
		return err
	}
	for _, module := range o.cfg.Modules {
		dir := filepath.Join(o.cfg.SynapseRoot(), module.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("module %s: failed to create staging directory: %w", module.Name, err)
		}
		if module.Repo != "" {
			if err := cloneModule(ctx, module, dir, o.Output); err != nil {
				return err
			}
		}
		env[domain.EnvModuleDir] = dir
		o.logger.Info("building module", "module", module.Name, "dir", dir)
		if err := o.scripts.RunAll(ctx, "build", module.Build, env); err != nil {
			return fmt.Errorf("module %s: %w", module.Name, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("module %s: failed to inspect staging directory: %w", module.Name, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("module %s: build script left no files in %s", module.Name, dir)
		}
	}
	return nil
}

// clearTestRoot removes the previous build's files while preserving the
// script scratch directory, which the orchestrator never clears.
func (o *Orchestrator) clearTestRoot() error {
	scratch := o.cfg.ScriptTmpDir()
	root := o.cfg.TestRoot()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read test root %s: %w", root, err)
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if path == o.cfg.SynapseRoot() {
			if err := clearExcept(path, scratch); err != nil {
				return err
			}
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear %s: %w", path, err)
		}
	}
	return nil
}

func clearExcept(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if path == keep {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear %s: %w", path, err)
		}
	}
	return nil
}

func (o *Orchestrator) discard(err error) {
	if err != nil {
		o.logger.Debug("ignoring cleanup error", "cause", err)
	}
}

// synapseEnv is the container environment of both the setup and the run
// container.
func synapseEnv(cfg *domain.Config) []string {
	port := domain.GuestPort
	if cfg.Workers.Enabled {
		port = domain.WorkerMainProcessPort
	}
	env := []string{
		"SYNAPSE_SERVER_NAME=" + cfg.Homeserver.ServerName,
		"SYNAPSE_REPORT_STATS=no",
		"SYNAPSE_CONFIG_DIR=/data",
		fmt.Sprintf("SYNAPSE_HTTP_PORT=%d", port),
	}
	if cfg.Workers.Enabled {
		// The worker list is copied from Complement. Two event
		// persisters are intentional.
		env = append(env,
			"SYNAPSE_WORKER_TYPES=event_persister, event_persister, background_worker, frontend_proxy, event_creator, user_dir, media_repository, federation_inbound, federation_reader, federation_sender, synchrotron, appservice, pusher",
			"SYNAPSE_WORKERS_WRITE_LOGS_TO_DISK=1",
		)
	}
	return env
}

func startCommand(cfg *domain.Config, generate bool) []string {
	entry := "/start.py"
	if cfg.Workers.Enabled {
		entry = "/workers_start.py"
	}
	switch {
	case generate:
		return []string{entry, "generate"}
	case cfg.Workers.Enabled:
		return []string{entry, "start"}
	default:
		return []string{entry}
	}
}

func registryAuth(cfg *domain.Config) *domain.Credentials {
	if cfg.Credentials.ServerAddress == "" {
		return nil
	}
	auth := cfg.Credentials
	return &auth
}
