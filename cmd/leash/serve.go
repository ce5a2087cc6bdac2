package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/controlplane"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/telemetry"
)

var (
	listenAddr string
	dbPath     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the leash daemon",
	Long:  `Starts the daemon that spawns, supervises and learns from shell commands.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides LEASH_LISTEN)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides LEASH_DB_PATH)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.Init(context.Background(), cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := learn.New(cfg.DBPath, cfg.Learn, logger)
	if err != nil {
		return err
	}
	store.SetSnippetLimit(cfg.SnippetLimit)

	sessionID := uuid.NewString()
	service := controlplane.NewService(cfg, sessionID, version, store, logger)
	server := controlplane.NewServer(service, cfg.Listen, logger)

	logger.Info("daemon starting",
		zap.String("listen", cfg.Listen),
		zap.String("db", cfg.DBPath),
		zap.String("session_id", sessionID),
		zap.String("version", version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			service.Shutdown()
			store.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then tear down live tasks so every one of them is
	// still recorded as a kill.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	service.Shutdown()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
