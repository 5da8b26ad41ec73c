package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/forgehq/forge/internal/config"
	"github.com/forgehq/forge/internal/lockfile"
	"github.com/forgehq/forge/internal/runner"
)

func main() {
	config.LoadDotEnv(".env")

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: %v\n", err)
		os.Exit(2)
	}

	stateDir := config.DefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: failed to init state dir: %v\n", err)
		os.Exit(1)
	}

	// Prevent two Runner processes from managing the same state directory
	// at once; that would flap the control-plane connection and race over
	// the workspace root.
	lk, err := lockfile.Acquire(filepath.Join(stateDir, "runner.lock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: failed to acquire runner lock: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	runnerID, err := config.EnsureRunnerID(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: failed to load runner identity: %v\n", err)
		os.Exit(1)
	}

	wsURL, err := controlplaneWSURL(cfg.ControlplaneBaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: %v\n", err)
		os.Exit(2)
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "forge-runner: failed to init workspace root: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)
	log.Info("forge-runner starting", "runner_id", runnerID, "controlplane", wsURL, "workspace_root", cfg.WorkspaceRoot)

	r := runner.New(runner.Options{
		ControlplaneWSURL: wsURL,
		RunnerID:          runnerID,
		RunnerKeyID:       os.Getenv("RUNNER_KEY_ID"),
		RunnerKeySecret:   os.Getenv("RUNNER_KEY_SECRET"),
		WorkspaceRoot:     cfg.WorkspaceRoot,
		AIModelID:         cfg.DefaultAIModelID,
		TunnelBinPath:     firstNonEmpty(os.Getenv("TUNNEL_BIN_PATH"), "cloudflared"),
		Log:               log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down")
		cancel()
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "forge-runner: exited with error: %v\n", err)
		os.Exit(1)
	}
}

// controlplaneWSURL turns the configured base URL (http/https) into the
// /ws/runner WebSocket URL the Runner dials.
func controlplaneWSURL(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("missing CONTROLPLANE_BASE_URL")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid CONTROLPLANE_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "ws", "runner")
	return u.String(), nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func newLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
