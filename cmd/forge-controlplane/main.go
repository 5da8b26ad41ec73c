package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgehq/forge/internal/config"
	"github.com/forgehq/forge/internal/controlplane"
	"github.com/forgehq/forge/internal/store"
)

func main() {
	config.LoadDotEnv(".env")

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-controlplane: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	dbPath := filepath.Join(config.DefaultStateDir(), "controlplane.sqlite")
	if v := os.Getenv("CONTROLPLANE_DB_PATH"); v != "" {
		dbPath = v
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "forge-controlplane: failed to init state dir: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge-controlplane: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := st.ResetStaleActiveSessions(ctx); err != nil {
		log.Warn("failed to reset stale sessions on startup", "error", err)
	} else if n > 0 {
		log.Info("reset stale active sessions on startup", "count", n)
	}

	srv := controlplane.NewServer(st, cfg.LocalMode, log)

	addr := fmt.Sprintf("%s:%d", cfg.TransportHost, cfg.TransportPort)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info("forge-controlplane listening", "addr", addr, "local_mode", cfg.LocalMode)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "forge-controlplane: server error: %v\n", err)
		os.Exit(1)
	}
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
