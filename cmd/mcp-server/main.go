package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/mcpserver"
	"github.com/apresai/dubber/internal/observability"
)

var version = "dev"

func main() {
	// stdout carries the stdio transport, so logs go to stderr
	logger := observability.InitLogger(observability.Options{
		Level:  slog.LevelInfo,
		Format: config.EnvOr("LOG_FORMAT", "json"),
		Writer: os.Stderr,
	})

	logger.Info("Dubber MCP Server starting...", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if observability.TracingEnabled() {
		tp, err := observability.InitTracer(ctx, "dubber-mcp", version)
		if err != nil {
			logger.Warn("Failed to init tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Error("Tracer shutdown error", "error", err)
				}
			}()
		}
	}

	cfg := mcpserver.DefaultConfig()
	cfg.Version = version

	srv, err := mcpserver.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// a running dub_transcript job sees the cancellation between segments
		logger.Info("Shutdown signal received")
	}
}
