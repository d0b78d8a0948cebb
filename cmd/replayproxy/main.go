// Command replayproxy is the CLI entrypoint of spec.md §6: record and
// replay HTTP responses for TARGET_URL under STORAGE_DIR, printing the
// bound host and port so a test harness can point a client at it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/replayproxy/replayproxy"
	"github.com/replayproxy/replayproxy/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "replayproxy: creating STORAGE_DIR: %v\n", err)
		return 2
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	srv, err := replayproxy.StartConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replayproxy: %v\n", err)
		return 2
	}
	defer srv.Close()

	fmt.Printf("PARODY_HOST=%s\n", srv.IP())
	fmt.Printf("PARODY_PORT=%d\n", srv.Port())
	slog.Info("recording", "upstream", cfg.UpstreamURL.String(), "storage", cfg.StorageDir, "host", srv.IP(), "port", srv.Port())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down gracefully")
	if err := srv.Close(); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}
