// Package app wires configuration, storage, genkit and the agent stack
// into a runnable application.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridsage/gridsage/internal/config"
	"github.com/gridsage/gridsage/internal/orchestrator"
	"github.com/gridsage/gridsage/internal/relay"
)

// App holds the initialized application components.
type App struct {
	Config       *config.Config
	DBPool       *pgxpool.Pool
	Genkit       *genkit.Genkit
	Embedder     ai.Embedder
	Relay        *relay.Broadcaster
	Orchestrator *orchestrator.Orchestrator

	logger *slog.Logger
}

// Close releases application resources: waits for in-flight turns, shuts
// the relay, and closes the pool. Safe to call on a partially initialized
// App.
func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Relay != nil {
		a.Relay.Close()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.logger != nil {
		a.logger.Info("application closed")
	}
	return nil
}
