package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/gridsage/gridsage/db"
	"github.com/gridsage/gridsage/internal/agent"
	"github.com/gridsage/gridsage/internal/checkpoint"
	"github.com/gridsage/gridsage/internal/config"
	"github.com/gridsage/gridsage/internal/conversation"
	"github.com/gridsage/gridsage/internal/orchestrator"
	"github.com/gridsage/gridsage/internal/relay"
	"github.com/gridsage/gridsage/internal/retrieval"
)

// Setup initializes the application: migrations, pool, genkit, stores,
// agent, relay and orchestrator. Call Close on the returned App to
// release everything.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}

	turns := conversation.New(conversation.NewPGQuerier(pool), logger)
	checkpoints := checkpoint.New(checkpoint.NewPGQuerier(pool), logger)

	index := retrieval.NewPGIndex(pool, a.Embedder, logger)
	tool := retrieval.NewTool(index, float32(cfg.MinSimilarity), logger)

	planner := agent.NewGenkitPlanner(g, cfg.ModelName, tool, cfg.RetrievalTopK, logger)
	runner := agent.NewRunner(checkpoints, planner, tool, agent.Config{
		ToolRetries:  cfg.ToolRetries,
		MaxToolCalls: cfg.MaxToolCalls,
	}, logger)

	a.Relay = relay.NewBroadcaster(logger)
	a.Orchestrator = orchestrator.New(turns, checkpoints, runner, a.Relay, pool, orchestrator.Config{
		TurnTimeout:  cfg.TurnTimeout(),
		HistoryLimit: cfg.HistoryLimit,
	}, logger)

	logger.Info("application initialized",
		"model", cfg.ModelName, "embedder", cfg.EmbedderModel)
	return a, nil
}

// provideGenkit initializes genkit with the Google AI plugin. Only the
// gemini provider is supported.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	if cfg.Provider != "" && cfg.Provider != "gemini" {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	logger.Info("initialized genkit", "provider", "gemini", "model", cfg.ModelName)
	return g, nil
}

// provideDBPool runs migrations and opens a connection pool with pgvector
// types registered on every connection.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
