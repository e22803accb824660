package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/gateway"
	"github.com/SkynetNext/relay-gateway/internal/logger"
	"github.com/SkynetNext/relay-gateway/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		configPath     string
		logLevel       string
		reloadInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM.

The configuration file is polled for changes. Request timings and
client limits are applied without a restart.

Examples:
  relay-gateway serve
  relay-gateway serve --config=/etc/relay-gateway/config.yaml --log-level=debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, reloadInterval)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&reloadInterval, "reload-interval", 10*time.Second, "Configuration file poll interval (0 disables)")

	return cmd
}

func runServe(configPath, logLevel string, reloadInterval time.Duration) error {
	if err := logger.Init(logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Tracing is optional; the environment overrides the file
	jaegerEndpoint := envOr("JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)
	if jaegerEndpoint != "" {
		if err := tracing.Init("relay-gateway", version, jaegerEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", jaegerEndpoint))
		}
	}

	gw, err := gateway.New(cfg, logger.L)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if reloadInterval > 0 {
		reloader := config.NewHotReloadManager(cfg, gw.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, reloadInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Relay gateway started",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("listen_addr", gw.Addr().String()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gw.GetConfig().GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Relay gateway closed")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
