package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpool-dev/ironfish/config"
	"github.com/hpool-dev/ironfish/logging"
	"github.com/hpool-dev/ironfish/metrics"
	"github.com/hpool-dev/ironfish/rpc"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the RPC server",
	Long: `Start the ironfish RPC server with the specified configuration.

The server will run until interrupted (Ctrl+C) or receives a termination
signal.

Example:
  ironfishd start --config config.toml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize logger based on config
	logger := createLogger(cfg.Logging)

	logger.Info("Starting ironfish RPC server",
		"version", Version,
		"socket", cfg.RPC.SocketPath,
		"tcp", cfg.RPC.TCPAddr,
		"http", cfg.RPC.HTTPAddr,
	)

	adapter := rpc.NewAdapter(cfg.RPC, newNodeRouter(time.Now()))
	adapter.SetLogger(logger)

	// Metrics endpoint, when enabled
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace)
		adapter.SetMetrics(prom)

		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           prom.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", "address", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server exited", logging.Error(err))
			}
		}()
	}

	if err := adapter.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	logger.Info("Server started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received signal, shutting down", "signal", sig.String())

	if err := adapter.Stop(); err != nil {
		logger.Error("Error stopping server", logging.Error(err))
		return fmt.Errorf("stopping server: %w", err)
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// createLogger creates a logger based on configuration.
func createLogger(cfg config.LoggingConfig) *logging.Logger {
	// Parse log level
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	// Determine output
	var w = os.Stderr
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		w = os.Stdout
	case "stderr", "":
		w = os.Stderr
	}

	// Create logger based on format
	switch strings.ToLower(cfg.Format) {
	case "json":
		return logging.NewJSONLogger(w, level)
	default:
		return logging.NewTextLogger(w, level)
	}
}
