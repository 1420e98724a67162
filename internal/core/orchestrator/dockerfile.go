package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// writeDockerfile generates the Dockerfile of the derived image into the
// build context.
func writeDockerfile(cfg *domain.Config) error {
	path := filepath.Join(cfg.SynapseRoot(), "Dockerfile")
	if err := os.WriteFile(path, []byte(dockerfile(cfg, os.Getuid())), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile %s: %w", path, err)
	}
	return nil
}

// dockerfile renders the derived image: the official Synapse release plus
// the declared modules.
func dockerfile(cfg *domain.Config, uid int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Rebuild synapse from the official release, with modules baked in.\n\nFROM %s\n\n", cfg.Synapse.Docker)
	b.WriteString("VOLUME [\"/data\"]\n\n")

	// Run as a non-root user with the host uid, so files written by the
	// container can be read and removed by the host user. Under root
	// (e.g. in CI) let useradd pick any uid.
	b.WriteString("RUN useradd mx-tester")
	if uid != 0 {
		fmt.Fprintf(&b, " --uid %d", uid)
	}
	b.WriteString(" --groups sudo,tty\n")
	b.WriteString("RUN echo \"mx-tester:password\" | chpasswd\n\n")

	// Show the Synapse version, to aid with debugging.
	b.WriteString("RUN pip show matrix-synapse\n\n")

	if cfg.Workers.Enabled {
		b.WriteString("RUN apt-get update && apt-get install -y postgresql postgresql-client supervisor redis nginx sudo lsof\n\n")
	}

	b.WriteString("RUN mkdir /mx-tester\n")
	fmt.Fprintf(&b, "COPY %s /mx-tester/%s\n", overlayFileName, overlayFileName)
	for _, module := range cfg.Modules {
		fmt.Fprintf(&b, "\n## Module %s\n", module.Name)
		for key, value := range sorted(module.Env) {
			fmt.Fprintf(&b, "ENV %s=%s\n", key, value)
		}
		for _, line := range module.Install {
			fmt.Fprintf(&b, "RUN %s\n", line)
		}
		fmt.Fprintf(&b, "COPY %s /mx-tester/%s\n", module.Name, module.Name)
		for dest, source := range sorted(module.Copy) {
			fmt.Fprintf(&b, "COPY %s /mx-tester/%s/%s\n", source, module.Name, dest)
		}
		fmt.Fprintf(&b, "RUN /usr/local/bin/python -m pip install /mx-tester/%s\n", module.Name)
	}

	b.WriteString("\nENTRYPOINT []\n\n")
	fmt.Fprintf(&b, "EXPOSE %d/tcp 8448/tcp\n", domain.GuestPort)
	return b.String()
}

// sorted yields map entries in key order, keeping the generated Dockerfile
// deterministic.
func sorted(m map[string]string) func(func(string, string) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(string, string) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

// cloneModule fetches a module's source into its staging directory. A
// shallow clone is enough: the build never pushes back.
func cloneModule(ctx context.Context, module domain.Module, dir string, progress io.Writer) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      module.Repo,
		Depth:    1,
		Progress: progress,
	})
	if err != nil {
		return fmt.Errorf("module %s: failed to clone %s: %w", module.Name, module.Repo, err)
	}
	return nil
}
