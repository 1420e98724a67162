package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// overlayFileName is the merged configuration file shipped in the build
// context, so the declared overlay is visible inside the image.
const overlayFileName = "homeserver-overlay.yaml"

// writeOverlayFile serializes the merged configuration overlay into the
// build context.
func writeOverlayFile(cfg *domain.Config) error {
	doc := overlayDocument(cfg)
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize configuration overlay: %w", err)
	}
	path := filepath.Join(cfg.SynapseRoot(), overlayFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration overlay %s: %w", path, err)
	}
	return nil
}

// overlayDocument is the single declarative merge of the recognized
// homeserver keys, the free-form overlay and the module configuration
// fragments.
func overlayDocument(cfg *domain.Config) map[string]any {
	doc := map[string]any{
		"server_name":                cfg.Homeserver.ServerName,
		"public_baseurl":             cfg.Homeserver.PublicBaseURL,
		"registration_shared_secret": cfg.Homeserver.RegistrationSharedSecret,
	}
	for key, value := range cfg.Homeserver.Extra {
		doc[key] = value
	}
	if len(cfg.Modules) > 0 {
		modules := make([]any, 0, len(cfg.Modules))
		for _, module := range cfg.Modules {
			modules = append(modules, module.Config)
		}
		doc["modules"] = modules
	}
	return doc
}

// patchHomeserverConfig merges the suite configuration into the
// homeserver.yaml generated by Synapse.
func patchHomeserverConfig(cfg *domain.Config) error {
	path := filepath.Join(cfg.SynapseDataDir(), "homeserver.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open the homeserver.yaml generated by synapse: %w", err)
	}
	base := map[string]any{}
	if err := yaml.Unmarshal(raw, &base); err != nil {
		return fmt.Errorf("the homeserver.yaml generated by synapse is invalid: %w", err)
	}
	if err := patchHomeserverContent(base, cfg); err != nil {
		return err
	}
	patched, err := yaml.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to serialize combined homeserver config: %w", err)
	}
	if err := os.WriteFile(path, patched, 0o644); err != nil {
		return fmt.Errorf("failed to write combined homeserver config: %w", err)
	}
	return nil
}

// patchHomeserverContent applies the overlay to a parsed homeserver config.
func patchHomeserverContent(base map[string]any, cfg *domain.Config) error {
	base["server_name"] = cfg.Homeserver.ServerName
	base["public_baseurl"] = cfg.Homeserver.PublicBaseURL
	base["registration_shared_secret"] = cfg.Homeserver.RegistrationSharedSecret
	base["enable_registration_without_verification"] = true

	// The free-form overlay wins over whatever Synapse generated. This may
	// include `modules` or `listeners`.
	if len(cfg.Homeserver.Extra) > 0 {
		if err := mergo.Merge(&base, cfg.Homeserver.Extra, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge configuration overlay: %w", err)
		}
	}

	applyDefaultRateLimits(base)
	applyListeners(base, cfg)
	appendModules(base, cfg)
	if cfg.Workers.Enabled {
		applyWorkerConfig(base)
	}
	return nil
}

// applyDefaultRateLimits sets up very large rate limits for the keys the
// operator did not configure, so tests are not throttled.
func applyDefaultRateLimits(base map[string]any) {
	large := func() map[string]any {
		return map[string]any{
			"per_second":  1_000_000_000,
			"burst_count": 1_000_000_000,
		}
	}
	defaults := map[string]any{
		"rc_message":         large(),
		"rc_registration":    large(),
		"rc_admin_redaction": large(),
		"rc_login": map[string]any{
			"address":         large(),
			"account":         large(),
			"failed_attempts": large(),
		},
		"rc_invites": map[string]any{
			"per_room":   large(),
			"per_user":   large(),
			"per_sender": large(),
		},
	}
	for key, value := range defaults {
		if _, present := base[key]; !present {
			base[key] = value
		}
	}
}

// applyListeners makes sure the homeserver listens on the expected guest
// port. `start.py generate` tends to pick another port.
func applyListeners(base map[string]any, cfg *domain.Config) {
	port := domain.GuestPort
	if cfg.Workers.Enabled {
		port = domain.WorkerMainProcessPort
	}
	listeners := []any{
		map[string]any{
			"port":           port,
			"tls":            false,
			"type":           "http",
			"bind_addresses": []any{"::"},
			"x_forwarded":    false,
			"resources": []any{
				map[string]any{"names": []any{"client"}, "compress": true},
				map[string]any{"names": []any{"federation"}, "compress": false},
			},
		},
	}
	if cfg.Workers.Enabled {
		listeners = append(listeners, map[string]any{
			"port":         9093,
			"bind_address": "127.0.0.1",
			"type":         "http",
			"resources": []any{
				map[string]any{"names": []any{"replication"}},
			},
		})
	}
	base["listeners"] = listeners
}

// appendModules adds each module's configuration fragment to the `modules`
// list of homeserver.yaml.
func appendModules(base map[string]any, cfg *domain.Config) {
	modules, _ := base["modules"].([]any)
	for _, module := range cfg.Modules {
		if module.Config != nil {
			modules = append(modules, module.Config)
		}
	}
	if len(modules) > 0 {
		base["modules"] = modules
	}
}

// applyWorkerConfig patches the keys workers need: redis and postgres, and
// features handed over from the main process to workers.
func applyWorkerConfig(base map[string]any) {
	base["redis"] = map[string]any{"enabled": true}
	base["database"] = map[string]any{
		"name":      "psycopg2",
		"txn_limit": 10_000,
		"args": map[string]any{
			"user":     "synapse",
			"password": "password",
			"host":     "localhost",
			"port":     5432,
			"cp_min":   5,
			"cp_max":   10,
		},
	}
	base["notify_appservices"] = false
	base["send_federation"] = false
	base["update_user_directory"] = false
	base["start_pushers"] = false
	base["url_preview_enabled"] = false
	base["url_preview_ip_range_blacklist"] = []any{"255.255.255.255/32"}
	base["suppress_key_server_warning"] = true
}
