package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mxtester/mx-tester/internal/adapters/docker"
	"github.com/mxtester/mx-tester/internal/adapters/script"
	"github.com/mxtester/mx-tester/internal/adapters/synapse"
	"github.com/mxtester/mx-tester/internal/core/domain"
	"github.com/mxtester/mx-tester/internal/core/orchestrator"
	"github.com/mxtester/mx-tester/internal/logging"
)

var version = "dev"

type options struct {
	configPath string
	logLevel   string
	username   string
	password   string
	server     string
	rootDir    string
	workers    bool
	synapseTag string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "mx-tester [build|up|run|down]...",
		Short: "Test harness for Synapse modules and Matrix bots",
		Long: `mx-tester builds a Synapse image with your modules baked in, brings it
up with declared users and rooms provisioned, runs your test scripts
against it and tears everything down. Verbs compose in one invocation
and order matters: mx-tester build up run down.`,
		Version:      version,
		ValidArgs:    []string{"build", "up", "run", "down"},
		Args:         cobra.OnlyValidArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "mx-tester.yml", "the file containing the test configuration")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "a username for logging to the Docker registry")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "a password for logging to the Docker registry")
	cmd.Flags().StringVar(&opts.server, "server", "", "a server name for the Docker registry")
	cmd.Flags().StringVar(&opts.rootDir, "root", "", "write all files in subdirectories of this directory")
	cmd.Flags().BoolVar(&opts.workers, "workers", false, "use workerized Synapse")
	cmd.Flags().StringVar(&opts.synapseTag, "synapse-tag", "", "use the Synapse image published with this tag")
	return cmd
}

func execute(ctx context.Context, opts *options, verbs []string) error {
	logger := logging.SetupLogger(opts.logLevel)

	cfg, err := domain.Load(opts.configPath)
	if err != nil {
		return err
	}
	// Command-line overrides of the loaded configuration.
	if opts.username != "" {
		cfg.Credentials.Username = opts.username
	}
	if opts.password != "" {
		cfg.Credentials.Password = opts.password
	}
	if opts.server != "" {
		cfg.Credentials.ServerAddress = opts.server
	}
	if opts.rootDir != "" {
		cfg.Directories.Root = opts.rootDir
	}
	if opts.workers {
		cfg.Workers.Enabled = true
	}
	if opts.synapseTag != "" {
		cfg.Synapse.Docker = "matrixdotorg/synapse:" + opts.synapseTag
	}

	if len(verbs) == 0 {
		verbs = []string{"up", "run", "down"}
	}

	engine, err := docker.NewAdapter()
	if err != nil {
		return err
	}
	runner := script.New(cfg.ScriptsLogDir(), logger)
	admin := synapse.NewClient(cfg.BaseURL())
	orch := orchestrator.New(cfg, engine, runner, admin, logger)

	// An operator interrupt cancels the phases but down still attempts
	// teardown of whatever was created.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runVerbs(ctx, orch, verbs)
}

// runVerbs executes the requested verbs in order. The run outcome is
// carried to a later down verb, which decides between the success and the
// failure path.
func runVerbs(ctx context.Context, orch *orchestrator.Orchestrator, verbs []string) error {
	result := domain.NoRun()
	var runErr error
	for i, verb := range verbs {
		switch verb {
		case "build":
			if err := orch.Build(ctx); err != nil {
				return abortTeardown(ctx, orch, verbs[i+1:], result, fmt.Errorf("build: %w", err))
			}
		case "up":
			if _, err := orch.Up(ctx); err != nil {
				return abortTeardown(ctx, orch, verbs[i+1:], result, fmt.Errorf("up: %w", err))
			}
		case "run":
			result = orch.Run(ctx)
			if result.Outcome == domain.OutcomeFailure {
				runErr = result.Cause
			}
		case "down":
			downErr := orch.Down(ctx, result)
			// Report errors due to run before errors due to down.
			if runErr != nil {
				return fmt.Errorf("run: %w", runErr)
			}
			if downErr != nil {
				return fmt.Errorf("down: %w", downErr)
			}
			result = domain.NoRun()
		}
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

// abortTeardown handles a failed build or up. The remaining verbs are
// skipped, except that a requested down still runs so an interrupted or
// failed invocation does not leak the container and network. The phase
// error is reported first.
func abortTeardown(ctx context.Context, orch *orchestrator.Orchestrator, remaining []string, result domain.PhaseResult, cause error) error {
	for _, verb := range remaining {
		if verb != "down" {
			continue
		}
		if err := orch.Down(ctx, result); err != nil {
			return errors.Join(cause, fmt.Errorf("down: %w", err))
		}
		break
	}
	return cause
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
