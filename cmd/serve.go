package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridsage/gridsage/internal/api"
	"github.com/gridsage/gridsage/internal/app"
	"github.com/gridsage/gridsage/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gridsage", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	// Finish turns a previous process left mid-flight before taking
	// traffic.
	if err := a.Orchestrator.RecoverInterrupted(ctx); err != nil {
		logger.Error("recovering interrupted turns", "error", err)
	}

	server := api.NewServer(a.Orchestrator, a.Relay, a.DBPool, []byte(cfg.AuthSecret), logger)
	return server.Run(ctx, cfg.ServerAddr)
}
