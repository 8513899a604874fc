// Package cmd wires the gridsage CLI: serve, migrate and version.
package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gridsage/gridsage/internal/log"
)

var (
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "gridsage",
	Short: "Streaming retrieval-augmented agent for the ISO New England corpus",
	Long: `gridsage serves a conversational agent over an indexed ISO New England
document corpus. Users hold multi-turn conversations over HTTP while
answers stream token by token.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

// newLogger builds the process logger from the persistent flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := log.New(log.Config{Level: level, JSON: logJSON})
	slog.SetDefault(logger)
	return logger
}
