// Command mcpserver is the process entry point: it loads configuration,
// bootstraps telemetry, wires the pipeline client and server facade, and
// serves HTTP until an interrupt or termination signal asks it to shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-mcp-usa/internal/config"
	"go-mcp-usa/internal/mcpserver"
	"go-mcp-usa/internal/pipeline"
	"go-mcp-usa/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := telemetry.NewLogger(slog.LevelInfo)

	tracerProvider, err := telemetry.InitTracer(cfg.ServerName, cfg.ServerVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx, tracerProvider); err != nil {
			logger.Warn("failed to shut down tracer provider", "error", err)
		}
	}()

	pipelineClient := pipeline.New(cfg.PipelineURL, cfg.PipelineToken, cfg.PipelineTimeout)

	server, err := mcpserver.NewBuilder().
		WithServerInfo(cfg.ServerName, cfg.ServerVersion).
		WithProtocolVersions(cfg.ProtocolVersions).
		WithCapabilities(cfg.ToolsListChanged, cfg.LoggingCapable).
		WithPipeline(pipelineClient).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error closing sessions", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return <-serveErrCh
}
