// Package config loads Forge's process configuration: the Control Plane and
// the Runner each read one Config from environment variables (optionally
// seeded from a local .env file), validate it, and fail fast on a missing
// required value.
//
// Struct-with-Validate plus atomic JSON persistence is grounded on the
// teacher's internal/config.Config/Validate/Load/Save
// (internal/config/config.go): this repo keeps that shape for the one
// value Forge still persists to disk (the Runner's stable instance id, see
// runner_id.go) while moving the process's boundary knobs to environment
// variables per SPEC_FULL.md §6.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the process-wide configuration read at startup by both
// cmd/forge-controlplane and cmd/forge-runner.
type Config struct {
	// RunnerSharedSecret is read from RUNNER_SHARED_SECRET. The control
	// plane's runner auth (runnerKeyAuth) does not consult it: runners are
	// accepted only with a runner key, or without one in local mode.
	RunnerSharedSecret string

	// LocalMode skips user-scoped auth and attributes every action to a
	// fixed local development user, per SPEC_FULL.md §6.
	LocalMode bool

	// TransportHost/TransportPort is the control plane's WebSocket/HTTP
	// listen address.
	TransportHost string
	TransportPort int

	// WorkspaceRoot is the filesystem root the Runner hosts project
	// workspaces under.
	WorkspaceRoot string

	// DefaultAIModelID names the AI backend model used when a project does
	// not specify one explicitly.
	DefaultAIModelID string

	// ControlplaneBaseURL is the Runner's dial target; unused by the
	// Control Plane process itself.
	ControlplaneBaseURL string

	// LogFormat is "json" or "text"; LogLevel is debug|info|warn|error.
	LogFormat string
	LogLevel  string
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.TransportPort <= 0 || c.TransportPort > 65535 {
		return fmt.Errorf("invalid transport port %d", c.TransportPort)
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return errors.New("missing workspace root")
	}
	return nil
}

// FromEnv builds a Config from environment variables, applying defaults for
// everything SPEC_FULL.md §6 doesn't mark as required.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RunnerSharedSecret:  strings.TrimSpace(os.Getenv("RUNNER_SHARED_SECRET")),
		LocalMode:           parseBool(os.Getenv("LOCAL_MODE"), false),
		TransportHost:       firstNonEmpty(os.Getenv("TRANSPORT_HOST"), "0.0.0.0"),
		TransportPort:       parseIntDefault(os.Getenv("TRANSPORT_PORT"), 8080),
		WorkspaceRoot:       firstNonEmpty(os.Getenv("WORKSPACE_ROOT"), defaultWorkspaceRoot()),
		DefaultAIModelID:    firstNonEmpty(os.Getenv("DEFAULT_AI_MODEL_ID"), "claude-sonnet"),
		ControlplaneBaseURL: strings.TrimSpace(os.Getenv("CONTROLPLANE_BASE_URL")),
		LogFormat:           firstNonEmpty(os.Getenv("LOG_FORMAT"), "json"),
		LogLevel:            firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".", "forge-workspaces")
	}
	return filepath.Join(home, ".forge", "workspaces")
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string, def bool) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseIntDefault(v string, def int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DefaultStateDir returns ~/.forge, the directory the Runner persists its
// stable instance id and any future local state under, mirroring the
// teacher's DefaultConfigPath (~/.redeven-agent).
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".forge"
	}
	return filepath.Join(home, ".forge")
}

// saveJSONAtomic writes v to path via a temp-file-then-rename, the same
// atomic-write idiom as the teacher's config.Save.
func saveJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
