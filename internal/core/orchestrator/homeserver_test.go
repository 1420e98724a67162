package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

func parseConfig(t *testing.T, raw string) *domain.Config {
	t.Helper()
	cfg, err := domain.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func TestPatchHomeserverContentRecognizedKeys(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
homeserver:
  server_name: example.test
  registration_shared_secret: hush
`)
	base := map[string]any{"server_name": "placeholder"}

	require.NoError(t, patchHomeserverContent(base, cfg))

	assert.Equal(t, "example.test", base["server_name"])
	assert.Equal(t, "hush", base["registration_shared_secret"])
	assert.Equal(t, true, base["enable_registration_without_verification"])
}

func TestPatchHomeserverContentOverlayWins(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
homeserver:
  max_upload_size: 50M
`)
	base := map[string]any{"max_upload_size": "10M", "pid_file": "/data/homeserver.pid"}

	require.NoError(t, patchHomeserverContent(base, cfg))

	assert.Equal(t, "50M", base["max_upload_size"])
	assert.Equal(t, "/data/homeserver.pid", base["pid_file"])
}

func TestPatchHomeserverContentRateLimitDefaults(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
homeserver:
  rc_message:
    per_second: 5
    burst_count: 10
`)
	base := map[string]any{}

	require.NoError(t, patchHomeserverContent(base, cfg))

	// The operator's own limit is honored, the rest are opened wide.
	configured, ok := base["rc_message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, configured["per_second"])
	assert.Contains(t, base, "rc_login")
	assert.Contains(t, base, "rc_invites")
	assert.Contains(t, base, "rc_registration")
}

func TestPatchHomeserverContentListeners(t *testing.T) {
	cfg := parseConfig(t, "name: demo\n")
	base := map[string]any{}

	require.NoError(t, patchHomeserverContent(base, cfg))

	listeners, ok := base["listeners"].([]any)
	require.True(t, ok)
	require.Len(t, listeners, 1)
	listener := listeners[0].(map[string]any)
	assert.Equal(t, domain.GuestPort, listener["port"])
}

func TestPatchHomeserverContentWorkerListeners(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
workers:
  enabled: true
`)
	base := map[string]any{}

	require.NoError(t, patchHomeserverContent(base, cfg))

	listeners := base["listeners"].([]any)
	require.Len(t, listeners, 2)
	main := listeners[0].(map[string]any)
	assert.Equal(t, domain.WorkerMainProcessPort, main["port"])
	replication := listeners[1].(map[string]any)
	assert.Equal(t, 9093, replication["port"])

	redis := base["redis"].(map[string]any)
	assert.Equal(t, true, redis["enabled"])
	database := base["database"].(map[string]any)
	assert.Equal(t, "psycopg2", database["name"])
}

func TestPatchHomeserverContentAppendsModules(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
modules:
  - name: mod
    build: ["true"]
    config:
      module: my_module.Module
      config:
        level: 3
`)
	base := map[string]any{
		"modules": []any{map[string]any{"module": "preexisting.Module"}},
	}

	require.NoError(t, patchHomeserverContent(base, cfg))

	modules := base["modules"].([]any)
	require.Len(t, modules, 2)
	appended := modules[1].(map[string]any)
	assert.Equal(t, "my_module.Module", appended["module"])
}

func TestOverlayDocumentCarriesModulesAndExtra(t *testing.T) {
	cfg := parseConfig(t, `
name: demo
homeserver:
  enable_registration: true
modules:
  - name: mod
    build: ["true"]
    config:
      module: my_module.Module
`)

	doc := overlayDocument(cfg)

	assert.Equal(t, "localhost:9999", doc["server_name"])
	assert.Equal(t, true, doc["enable_registration"])
	modules := doc["modules"].([]any)
	require.Len(t, modules, 1)
}
