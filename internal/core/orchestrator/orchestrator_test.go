package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mxtester/mx-tester/internal/core/domain"
	"github.com/mxtester/mx-tester/internal/core/ports"
)

// fakeRunner records every phase invocation, including phases with no
// commands, and fails the configured phase.
type fakeRunner struct {
	phases    []string
	commands  map[string][]string
	failPhase string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{commands: map[string][]string{}}
}

func (r *fakeRunner) RunAll(_ context.Context, phase string, commands []string, _ map[string]string) error {
	r.phases = append(r.phases, phase)
	r.commands[phase] = commands
	if phase == r.failPhase {
		return &domain.ScriptError{Phase: phase, Index: 0, Command: "boom", ExitCode: 1}
	}
	return nil
}

// fakeEngine records engine calls by operation and name. Its RunContainer
// writes the file Synapse generation would produce.
type fakeEngine struct {
	calls     []string
	generated string
	stopErr   error
	running   map[string]bool
}

func (e *fakeEngine) record(op, name string) {
	e.calls = append(e.calls, op+" "+name)
}

func (e *fakeEngine) BuildImage(_ context.Context, build ports.ImageBuild, _ io.Writer) error {
	e.record("BuildImage", build.Tag)
	return nil
}

func (e *fakeEngine) EnsureNetwork(_ context.Context, name string) error {
	e.record("EnsureNetwork", name)
	return nil
}

func (e *fakeEngine) StartContainer(_ context.Context, spec ports.ContainerSpec) (string, error) {
	e.record("StartContainer", spec.Name)
	e.running[spec.Name] = true
	return "cid-" + spec.Name, nil
}

func (e *fakeEngine) RunContainer(_ context.Context, spec ports.ContainerSpec, _ io.Writer) error {
	e.record("RunContainer", spec.Name)
	if e.generated != "" {
		if err := os.MkdirAll(filepath.Dir(e.generated), 0o755); err != nil {
			return err
		}
		return os.WriteFile(e.generated, []byte("server_name: placeholder\npid_file: /data/homeserver.pid\n"), 0o644)
	}
	return nil
}

func (e *fakeEngine) IsContainerRunning(_ context.Context, name string) (bool, error) {
	e.record("IsContainerRunning", name)
	return e.running[name], nil
}

func (e *fakeEngine) StopContainer(_ context.Context, name string) error {
	e.record("StopContainer", name)
	delete(e.running, name)
	return e.stopErr
}

func (e *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	e.record("RemoveContainer", name)
	delete(e.running, name)
	return nil
}

func (e *fakeEngine) RemoveNetwork(_ context.Context, name string) error {
	e.record("RemoveNetwork", name)
	return nil
}

func (e *fakeEngine) RemoveImage(_ context.Context, tag string) error {
	e.record("RemoveImage", tag)
	return nil
}

// stubAdmin satisfies the provisioner with canned answers. With no declared
// users it is only asked for the liveness probe.
type stubAdmin struct {
	probeErr error
}

func (s *stubAdmin) Probe(context.Context) error { return s.probeErr }
func (s *stubAdmin) RegisterUser(context.Context, string, domain.User) error {
	return nil
}
func (s *stubAdmin) Login(context.Context, string, string) (string, error) { return "tok", nil }
func (s *stubAdmin) OverrideRateLimit(context.Context, string, string) error {
	return nil
}
func (s *stubAdmin) ResolveAlias(context.Context, string, string) (string, error) { return "", nil }
func (s *stubAdmin) DeleteAlias(context.Context, string, string) error { return nil }
func (s *stubAdmin) CreateRoom(context.Context, string, domain.Room) (string, error) {
	return "!room:localhost", nil
}
func (s *stubAdmin) RoomStateContent(context.Context, string, string, string) (map[string]any, bool, error) {
	return nil, false, nil
}
func (s *stubAdmin) JoinedMembers(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (s *stubAdmin) Invite(context.Context, string, string, string) error { return nil }
func (s *stubAdmin) Join(context.Context, string, string) error { return nil }

type fixture struct {
	cfg    *domain.Config
	engine *fakeEngine
	runner *fakeRunner
	admin  *stubAdmin
	orch   *Orchestrator
}

func newFixture(t *testing.T, raw string) *fixture {
	t.Helper()
	cfg, err := domain.Parse([]byte(raw))
	require.NoError(t, err)
	cfg.Directories.Root = t.TempDir()

	engine := &fakeEngine{
		generated: filepath.Join(cfg.SynapseDataDir(), "homeserver.yaml"),
		running:   map[string]bool{},
	}
	runner := newFakeRunner()
	admin := &stubAdmin{}
	orch := New(cfg, engine, runner, admin, nil)
	orch.Output = io.Discard
	return &fixture{cfg: cfg, engine: engine, runner: runner, admin: admin, orch: orch}
}

func TestBuildGeneratesContextAndBuildsImage(t *testing.T) {
	f := newFixture(t, "name: demo\n")

	require.NoError(t, f.orch.Build(context.Background()))

	assert.Contains(t, f.engine.calls, "BuildImage "+f.cfg.Tag())
	assert.FileExists(t, filepath.Join(f.cfg.SynapseRoot(), "Dockerfile"))
	assert.FileExists(t, filepath.Join(f.cfg.SynapseRoot(), overlayFileName))

	raw, err := os.ReadFile(filepath.Join(f.cfg.SynapseRoot(), "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "FROM "+domain.DefaultSynapseImage)
}

func TestBuildPreservesScriptScratchDir(t *testing.T) {
	f := newFixture(t, "name: demo\n")
	scratchFile := filepath.Join(f.cfg.ScriptTmpDir(), "state.json")
	require.NoError(t, os.MkdirAll(f.cfg.ScriptTmpDir(), 0o755))
	require.NoError(t, os.WriteFile(scratchFile, []byte("{}"), 0o644))
	staleFile := filepath.Join(f.cfg.SynapseDataDir(), "stale.db")
	require.NoError(t, os.MkdirAll(f.cfg.SynapseDataDir(), 0o755))
	require.NoError(t, os.WriteFile(staleFile, []byte("old"), 0o644))

	require.NoError(t, f.orch.Build(context.Background()))

	assert.FileExists(t, scratchFile)
	assert.NoFileExists(t, staleFile)
}

func TestUpRunsHooksAndStartsServer(t *testing.T) {
	f := newFixture(t, `
name: demo
up:
  before:
    - echo before
  after:
    - echo after
`)

	handle, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	require.NotNil(t, handle)

	assert.Equal(t, []string{"up.before", "up.after"}, f.runner.phases)
	assert.Contains(t, f.engine.calls, "EnsureNetwork "+f.cfg.Network())
	assert.Contains(t, f.engine.calls, "RunContainer "+f.cfg.SetupContainerName())
	assert.Contains(t, f.engine.calls, "StartContainer "+f.cfg.RunContainerName())
	assert.Equal(t, f.cfg.BaseURL(), handle.BaseURL)
}

func TestUpPatchesGeneratedHomeserverConfig(t *testing.T) {
	f := newFixture(t, `
name: demo
homeserver:
  enable_registration: true
`)

	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(f.cfg.SynapseDataDir(), "homeserver.yaml"))
	require.NoError(t, err)
	patched := map[string]any{}
	require.NoError(t, yaml.Unmarshal(raw, &patched))

	assert.Equal(t, "localhost:9999", patched["server_name"])
	assert.Equal(t, true, patched["enable_registration_without_verification"])
	assert.Equal(t, true, patched["enable_registration"])
	assert.Contains(t, patched, "rc_message")
	assert.Contains(t, patched, "listeners")
	// Keys outside the overlay survive the patch.
	assert.Equal(t, "/data/homeserver.pid", patched["pid_file"])
}

func TestUpTwiceReusesRunningServer(t *testing.T) {
	f := newFixture(t, "name: demo\n")

	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	_, err = f.orch.Up(context.Background())
	require.NoError(t, err)

	starts := 0
	for _, call := range f.engine.calls {
		if call == "StartContainer "+f.cfg.RunContainerName() {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestUpAbortsWhenBeforeHookFails(t *testing.T) {
	f := newFixture(t, `
name: demo
up:
  before:
    - exit 1
`)
	f.runner.failPhase = "up.before"

	handle, err := f.orch.Up(context.Background())

	var scriptErr *domain.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Nil(t, handle)
	assert.NotContains(t, f.engine.calls, "StartContainer "+f.cfg.RunContainerName())
}

func TestUpReturnsHandleWhenAfterHookFails(t *testing.T) {
	f := newFixture(t, `
name: demo
up:
  after:
    - exit 1
`)
	f.runner.failPhase = "up.after"

	handle, err := f.orch.Up(context.Background())

	require.Error(t, err)
	require.NotNil(t, handle)
	assert.Contains(t, f.engine.calls, "StartContainer "+f.cfg.RunContainerName())
}

func TestRunMapsScriptResult(t *testing.T) {
	f := newFixture(t, `
name: demo
run:
  - echo testing
`)

	result := f.orch.Run(context.Background())
	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.NoError(t, result.Cause)

	f.runner.failPhase = "run"
	result = f.orch.Run(context.Background())
	assert.Equal(t, domain.OutcomeFailure, result.Outcome)
	var scriptErr *domain.ScriptError
	require.ErrorAs(t, result.Cause, &scriptErr)
}

const downConfig = `
name: demo
down:
  success:
    - echo ok
  failure:
    - echo bad
  finally:
    - echo always
`

func TestDownSelectsHooksByOutcome(t *testing.T) {
	cases := []struct {
		name   string
		result domain.PhaseResult
		phases []string
	}{
		{"success", domain.RunSucceeded(), []string{"down.success", "down.finally"}},
		{"failure", domain.RunFailed(errors.New("tests failed")), []string{"down.failure", "down.finally"}},
		{"bare down", domain.NoRun(), []string{"down.finally"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, downConfig)
			require.NoError(t, f.orch.Down(context.Background(), tc.result))
			assert.Equal(t, tc.phases, f.runner.phases)
		})
	}
}

func TestDownAlwaysTearsDownResources(t *testing.T) {
	f := newFixture(t, downConfig)

	require.NoError(t, f.orch.Down(context.Background(), domain.NoRun()))

	assert.Contains(t, f.engine.calls, "StopContainer "+f.cfg.RunContainerName())
	assert.Contains(t, f.engine.calls, "RemoveContainer "+f.cfg.RunContainerName())
	assert.Contains(t, f.engine.calls, "RemoveContainer "+f.cfg.SetupContainerName())
	assert.Contains(t, f.engine.calls, "RemoveNetwork "+f.cfg.Network())
}

func TestDownCollectsFailuresWithoutStopping(t *testing.T) {
	f := newFixture(t, downConfig)
	f.runner.failPhase = "down.finally"
	f.engine.stopErr = errors.New("engine unavailable")

	err := f.orch.Down(context.Background(), domain.RunSucceeded())

	require.Error(t, err)
	var scriptErr *domain.ScriptError
	assert.ErrorAs(t, err, &scriptErr)
	assert.ErrorContains(t, err, "engine unavailable")
	// Teardown continued past the failures.
	assert.Contains(t, f.engine.calls, "RemoveNetwork "+f.cfg.Network())
}
