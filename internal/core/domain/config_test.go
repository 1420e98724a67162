package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("name: demo\n"))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, DefaultSynapseImage, cfg.Synapse.Docker)
	assert.Equal(t, DefaultHostname, cfg.Docker.Hostname)
	assert.Equal(t, DefaultHostPort, cfg.Homeserver.HostPort)
	assert.Equal(t, "localhost:9999", cfg.Homeserver.ServerName)
	assert.Equal(t, "http://localhost:9999", cfg.Homeserver.PublicBaseURL)
	assert.Equal(t, DefaultRegistrationSharedSecret, cfg.Homeserver.RegistrationSharedSecret)
}

func TestParseDerivesServerNameFromHostPort(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
homeserver:
  host_port: 8123
`))
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Homeserver.HostPort)
	assert.Equal(t, "localhost:8123", cfg.Homeserver.ServerName)
	assert.Equal(t, "http://localhost:8123", cfg.Homeserver.PublicBaseURL)
	assert.Equal(t, "http://localhost:8123", cfg.BaseURL())
	assert.Equal(t, "@alice:localhost:8123", cfg.UserID("alice"))
}

func TestParseKeepsUnrecognizedHomeserverKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
homeserver:
  server_name: example.test
  enable_registration: true
  max_upload_size: 10M
`))
	require.NoError(t, err)

	assert.Equal(t, "example.test", cfg.Homeserver.ServerName)
	assert.Equal(t, true, cfg.Homeserver.Extra["enable_registration"])
	assert.Equal(t, "10M", cfg.Homeserver.Extra["max_upload_size"])
	assert.NotContains(t, cfg.Homeserver.Extra, "server_name")
}

func TestParseUserPasswordDefault(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
users:
  - localname: alice
  - localname: bob
    password: hunter2
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultPassword, cfg.Users[0].Password)
	assert.Equal(t, "hunter2", cfg.Users[1].Password)
}

func TestParseUpShorthand(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
up:
  - echo one
  - echo two
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"echo one", "echo two"}, cfg.Up.Before)
	assert.Empty(t, cfg.Up.After)
}

func TestParseUpMapping(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
up:
  before:
    - echo before
  after:
    - echo after
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"echo before"}, cfg.Up.Before)
	assert.Equal(t, []string{"echo after"}, cfg.Up.After)
}

func TestParseFlatDownAlias(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
success:
  - echo ok
failure:
  - echo bad
finally:
  - echo always
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"echo ok"}, cfg.Down.Success)
	assert.Equal(t, []string{"echo bad"}, cfg.Down.Failure)
	assert.Equal(t, []string{"echo always"}, cfg.Down.Finally)
}

func TestParseNestedDownWinsOverFlat(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
success:
  - echo flat
down:
  success:
    - echo nested
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"echo nested"}, cfg.Down.Success)
	assert.Empty(t, cfg.Down.Failure)
}

func TestValidateRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty suite name", `{}`},
		{"duplicate localname", `
name: demo
users:
  - localname: alice
  - localname: alice
`},
		{"empty localname", `
name: demo
users:
  - admin: true
`},
		{"bad rate limit", `
name: demo
users:
  - localname: alice
    rate_limit: slow
`},
		{"duplicate alias", `
name: demo
users:
  - localname: alice
    rooms:
      - alias: "#lobby:localhost"
  - localname: bob
    rooms:
      - alias: "#lobby:localhost"
`},
		{"undeclared member", `
name: demo
users:
  - localname: alice
    rooms:
      - alias: "#lobby:localhost"
        members:
          - ghost
`},
		{"module without build or repo", `
name: demo
modules:
  - name: mod
`},
		{"duplicate module name", `
name: demo
modules:
  - name: mod
    build: ["true"]
  - name: mod
    build: ["true"]
`},
		{"invalid port mapping", `
name: demo
docker:
  port_mapping:
    - host: 0
      guest: 8080
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestDerivedNames(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
synapse:
  docker: matrixdotorg/synapse:v1.70.0
`))
	require.NoError(t, err)

	assert.Equal(t, "mx-tester-synapse-matrixdotorg-synapse-v1.70.0-demo", cfg.Tag())
	assert.Equal(t, "net-"+cfg.Tag(), cfg.Network())
	assert.Equal(t, "mx-tester-synapse-setup-demo", cfg.SetupContainerName())
	assert.Equal(t, "mx-tester-synapse-run-demo", cfg.RunContainerName())
}

func TestDerivedNamesWithWorkers(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
workers:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "mx-tester-synapse-matrixdotorg-synapse-latest-demo-workers", cfg.Tag())
	assert.Equal(t, "mx-tester-synapse-setup-demo-workers", cfg.SetupContainerName())
	assert.Equal(t, "mx-tester-synapse-run-demo-workers", cfg.RunContainerName())
}

func TestScriptEnvContract(t *testing.T) {
	cfg, err := Parse([]byte("name: demo\n"))
	require.NoError(t, err)
	cfg.Directories.Root = t.TempDir()

	env, err := cfg.ScriptEnv()
	require.NoError(t, err)

	assert.Equal(t, cfg.SynapseRoot(), env[EnvSynapseDir])
	assert.Equal(t, cfg.ScriptTmpDir(), env[EnvScriptTmpDir])
	assert.Equal(t, cfg.Network(), env[EnvNetworkName])
	assert.Equal(t, cfg.SetupContainerName(), env[EnvSetupContainer])
	assert.Equal(t, cfg.RunContainerName(), env[EnvRunContainer])
	assert.NotContains(t, env, EnvWorkersEnabled)
	assert.DirExists(t, cfg.ScriptTmpDir())

	cfg.Workers.Enabled = true
	env, err = cfg.ScriptEnv()
	require.NoError(t, err)
	assert.Equal(t, "true", env[EnvWorkersEnabled])
}
