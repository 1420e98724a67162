package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHostPort is the host port the homeserver is published on.
	DefaultHostPort = 9999

	// GuestPort is the port the homeserver listens on inside the container.
	// In worker mode this is the port of the nginx load-balancer.
	GuestPort = 8008

	// WorkerMainProcessPort is the port of the main Synapse process when
	// workers are enabled.
	WorkerMainProcessPort = 8080

	// DefaultSynapseImage is the image used when the config does not pin one.
	DefaultSynapseImage = "matrixdotorg/synapse:latest"

	// DefaultHostname is the hostname given to the Synapse container on the
	// test network.
	DefaultHostname = "synapse"

	// DefaultPassword is the password given to declared users that do not
	// specify one.
	DefaultPassword = "password"

	// DefaultRegistrationSharedSecret is the shared secret used to sign
	// registration requests when the config does not override it.
	DefaultRegistrationSharedSecret = "MX_TESTER_REGISTRATION_DEFAULT"

	// RateLimitUnlimited disables rate limiting for a user.
	RateLimitUnlimited = "unlimited"
)

// Environment variables passed to every operator script.
const (
	EnvModuleDir          = "MX_TEST_MODULE_DIR"
	EnvSynapseDir         = "MX_TEST_SYNAPSE_DIR"
	EnvScriptTmpDir       = "MX_TEST_SCRIPT_TMPDIR"
	EnvCWD                = "MX_TEST_CWD"
	EnvNetworkName        = "MX_TEST_NETWORK_NAME"
	EnvSetupContainer     = "MX_TEST_SETUP_CONTAINER_NAME"
	EnvRunContainer       = "MX_TEST_UP_RUN_DOWN_CONTAINER_NAME"
	EnvWorkersEnabled     = "MX_TEST_WORKERS_ENABLED"
)

// PortMapping publishes a guest port on the host.
type PortMapping struct {
	Host  int `yaml:"host"`
	Guest int `yaml:"guest"`
}

// DockerConfig holds container-engine settings for the suite.
type DockerConfig struct {
	// Hostname of the Synapse container on the test network.
	Hostname string `yaml:"hostname"`

	// PortMapping lists additional ports to publish. The homeserver port
	// mapping host_port -> GuestPort is always added.
	PortMapping []PortMapping `yaml:"port_mapping"`
}

// SynapseVersion selects the Synapse release to test against.
type SynapseVersion struct {
	// Docker is the base image tag, e.g. "matrixdotorg/synapse:v1.70.0".
	Docker string `yaml:"docker"`
}

// Credentials authenticates against a container registry. They are attached
// to individual pull/build calls and never persisted or logged.
type Credentials struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ServerAddress string `yaml:"serveraddress"`
}

// WorkersConfig toggles workerized Synapse.
type WorkersConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Directories configures where the suite writes its files.
type Directories struct {
	// Root of all temporary files and logs. Defaults to
	// $TMPDIR/mx-tester.
	Root string `yaml:"root"`
}

// Homeserver is the configuration overlay merged into the homeserver.yaml
// generated by Synapse. Recognized keys get defaults; everything else is
// carried verbatim in Extra.
type Homeserver struct {
	HostPort                 int            `yaml:"host_port"`
	ServerName               string         `yaml:"server_name"`
	PublicBaseURL            string         `yaml:"public_baseurl"`
	RegistrationSharedSecret string         `yaml:"registration_shared_secret"`
	Extra                    map[string]any `yaml:",inline"`
}

// Module is a Synapse extension baked into the built image.
type Module struct {
	// Name of the module, also the name of its staging subdirectory and of
	// its directory under /mx-tester in the guest.
	Name string `yaml:"name"`

	// Repo is an optional git URL cloned into the staging directory before
	// the build script runs.
	Repo string `yaml:"repo"`

	// Build is run on the host. It must leave the module source tree in
	// MX_TEST_MODULE_DIR; leaving it empty fails the build.
	Build []string `yaml:"build"`

	// Install lines become RUN steps in the generated Dockerfile.
	Install []string `yaml:"install"`

	// Env lines become ENV entries in the generated Dockerfile.
	Env map[string]string `yaml:"env"`

	// Copy maps guest paths (relative to the module directory) to host
	// paths copied into the image.
	Copy map[string]string `yaml:"copy"`

	// Config is appended to the `modules` list of homeserver.yaml.
	Config map[string]any `yaml:"config"`
}

// Room is a fixture room created by its declaring user.
type Room struct {
	Public  bool     `yaml:"public"`
	Name    string   `yaml:"name"`
	Alias   string   `yaml:"alias"`
	Topic   string   `yaml:"topic"`
	Members []string `yaml:"members"`
}

// User is a fixture account registered on the homeserver before tests run.
type User struct {
	Localname string `yaml:"localname"`
	Admin     bool   `yaml:"admin"`
	Password  string `yaml:"password"`

	// RateLimit is either empty (inherit the server settings) or
	// "unlimited".
	RateLimit string `yaml:"rate_limit"`

	// Rooms this user creates, in order.
	Rooms []Room `yaml:"rooms"`
}

// UpScripts holds the operator hooks around the `up` phase. In the config
// file the section is either a plain command list (shorthand for `before`)
// or a mapping with `before` and `after` keys.
type UpScripts struct {
	Before []string `yaml:"before"`
	After  []string `yaml:"after"`
}

func (u *UpScripts) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&u.Before)
	}
	type plain UpScripts
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*u = UpScripts(p)
	return nil
}

// DownScripts holds the operator hooks of the `down` phase.
type DownScripts struct {
	Success []string `yaml:"success"`
	Failure []string `yaml:"failure"`
	Finally []string `yaml:"finally"`
}

// Config is the validated, immutable suite configuration. It is owned by the
// orchestrator for the duration of a run.
type Config struct {
	Name        string         `yaml:"name"`
	Modules     []Module       `yaml:"modules"`
	Homeserver  Homeserver     `yaml:"homeserver"`
	Up          UpScripts      `yaml:"up"`
	Run         []string       `yaml:"run"`
	Down        DownScripts    `yaml:"down"`
	Docker      DockerConfig   `yaml:"docker"`
	Users       []User         `yaml:"users"`
	Synapse     SynapseVersion `yaml:"synapse"`
	Credentials Credentials    `yaml:"credentials"`
	Directories Directories    `yaml:"directories"`
	Workers     WorkersConfig  `yaml:"workers"`
}

// fileConfig accepts the deprecated flat success/failure/finally keys next to
// the authoritative nested `down` section.
type fileConfig struct {
	Config  `yaml:",inline"`
	Success []string `yaml:"success"`
	Failure []string `yaml:"failure"`
	Finally []string `yaml:"finally"`
}

// Load reads, defaults and validates a suite configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a suite configuration from raw YAML.
func Parse(raw []byte) (*Config, error) {
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("malformed config: %v", err)}
	}
	cfg := file.Config
	// Deprecated flat down section, kept as an alias of the nested form.
	if len(cfg.Down.Success)+len(cfg.Down.Failure)+len(cfg.Down.Finally) == 0 {
		cfg.Down = DownScripts{Success: file.Success, Failure: file.Failure, Finally: file.Finally}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Synapse.Docker == "" {
		c.Synapse.Docker = DefaultSynapseImage
	}
	if c.Docker.Hostname == "" {
		c.Docker.Hostname = DefaultHostname
	}
	if c.Directories.Root == "" {
		c.Directories.Root = filepath.Join(os.TempDir(), "mx-tester")
	}
	if c.Homeserver.HostPort == 0 {
		c.Homeserver.HostPort = DefaultHostPort
	}
	if c.Homeserver.ServerName == "" {
		c.Homeserver.ServerName = fmt.Sprintf("localhost:%d", c.Homeserver.HostPort)
	}
	if c.Homeserver.PublicBaseURL == "" {
		c.Homeserver.PublicBaseURL = "http://" + c.Homeserver.ServerName
	}
	if c.Homeserver.RegistrationSharedSecret == "" {
		c.Homeserver.RegistrationSharedSecret = DefaultRegistrationSharedSecret
	}
	for i := range c.Users {
		if c.Users[i].Password == "" {
			c.Users[i].Password = DefaultPassword
		}
	}
}

// Validate enforces the suite-wide invariants that must hold before any side
// effect: unique user localnames, unique room aliases, members referring to
// declared users, and well-formed module declarations.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &ConfigError{Reason: "suite name must not be empty"}
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Localname == "" {
			return &ConfigError{Reason: "user localname must not be empty"}
		}
		if users[u.Localname] {
			return &ConfigError{Reason: fmt.Sprintf("duplicate user localname %q", u.Localname)}
		}
		users[u.Localname] = true
		if u.RateLimit != "" && u.RateLimit != RateLimitUnlimited {
			return &ConfigError{Reason: fmt.Sprintf("user %q: rate_limit must be %q or unset, got %q", u.Localname, RateLimitUnlimited, u.RateLimit)}
		}
	}
	aliases := make(map[string]string)
	for _, u := range c.Users {
		for _, r := range u.Rooms {
			if r.Alias != "" {
				if owner, dup := aliases[r.Alias]; dup {
					return &ConfigError{Reason: fmt.Sprintf("room alias %q declared by both %q and %q", r.Alias, owner, u.Localname)}
				}
				aliases[r.Alias] = u.Localname
			}
			for _, m := range r.Members {
				if !users[m] {
					return &ConfigError{Reason: fmt.Sprintf("room %q lists member %q, which is not a declared user", r.Alias, m)}
				}
			}
		}
	}
	modules := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" {
			return &ConfigError{Reason: "module name must not be empty"}
		}
		if modules[m.Name] {
			return &ConfigError{Reason: fmt.Sprintf("duplicate module name %q", m.Name)}
		}
		modules[m.Name] = true
		if len(m.Build) == 0 && m.Repo == "" {
			return &ConfigError{Reason: fmt.Sprintf("module %q has neither a build script nor a repo", m.Name)}
		}
	}
	for _, p := range c.Docker.PortMapping {
		if p.Host <= 0 || p.Guest <= 0 {
			return &ConfigError{Reason: fmt.Sprintf("invalid port mapping %d -> %d", p.Host, p.Guest)}
		}
	}
	return nil
}

var tagSanitizer = strings.NewReplacer("/", "-", ":", "-")

// Tag is the tag of the derived Synapse image built for this suite. It is
// deterministic so that concurrent suites on different versions do not
// collide.
func (c *Config) Tag() string {
	tag := fmt.Sprintf("mx-tester-synapse-%s-%s", tagSanitizer.Replace(c.Synapse.Docker), c.Name)
	if c.Workers.Enabled {
		tag += "-workers"
	}
	return tag
}

// Network is the name of the dedicated docker network for this suite.
func (c *Config) Network() string {
	return "net-" + c.Tag()
}

// SetupContainerName is the container used to generate homeserver.yaml.
func (c *Config) SetupContainerName() string {
	name := "mx-tester-synapse-setup-" + c.Name
	if c.Workers.Enabled {
		name += "-workers"
	}
	return name
}

// RunContainerName is the container that actually runs Synapse.
func (c *Config) RunContainerName() string {
	name := "mx-tester-synapse-run-" + c.Name
	if c.Workers.Enabled {
		name += "-workers"
	}
	return name
}

// TestRoot is the directory holding all data for this suite. Cleared on
// build, except for the script scratch directory.
func (c *Config) TestRoot() string {
	return filepath.Join(c.Directories.Root, c.Name)
}

// SynapseRoot holds everything related to Synapse: the build context, the
// data directory, the generated Dockerfile.
func (c *Config) SynapseRoot() string {
	return filepath.Join(c.TestRoot(), "synapse")
}

// SynapseDataDir is bind-mounted as /data in the guest.
func (c *Config) SynapseDataDir() string {
	return filepath.Join(c.SynapseRoot(), "data")
}

// LogsDir holds all logs published by the suite.
func (c *Config) LogsDir() string {
	return filepath.Join(c.TestRoot(), "logs")
}

// DockerLogsDir holds container build and runtime logs.
func (c *Config) DockerLogsDir() string {
	return filepath.Join(c.LogsDir(), "docker")
}

// ScriptsLogDir holds stdout/stderr captures of operator scripts.
func (c *Config) ScriptsLogDir() string {
	return filepath.Join(c.LogsDir(), "mx-tester")
}

// ScriptTmpDir is the script-private scratch directory. The orchestrator
// never clears it.
func (c *Config) ScriptTmpDir() string {
	return filepath.Join(c.SynapseRoot(), "scripts")
}

// BaseURL is the client-facing URL of the homeserver as seen from the host.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Homeserver.HostPort)
}

// UserID is the fully qualified Matrix ID of a declared user.
func (c *Config) UserID(localname string) string {
	return fmt.Sprintf("@%s:%s", localname, c.Homeserver.ServerName)
}

// ScriptEnv builds the environment contract shared by all operator scripts.
// It creates the scratch directory if needed.
func (c *Config) ScriptEnv() (map[string]string, error) {
	tmpdir := c.ScriptTmpDir()
	if err := os.MkdirAll(tmpdir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create script scratch directory %s: %w", tmpdir, err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	env := map[string]string{
		EnvSynapseDir:     c.SynapseRoot(),
		EnvScriptTmpDir:   tmpdir,
		EnvCWD:            cwd,
		EnvNetworkName:    c.Network(),
		EnvSetupContainer: c.SetupContainerName(),
		EnvRunContainer:   c.RunContainerName(),
	}
	if c.Workers.Enabled {
		env[EnvWorkersEnabled] = "true"
	}
	return env, nil
}
