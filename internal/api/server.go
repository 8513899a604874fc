// Package api exposes the conversational agent over HTTP.
//
// Surface:
//
//	POST   /api/chat          start an asynchronous turn (202)
//	POST   /api/chat-sync     run a turn inline, returning answer + contexts
//	GET    /api/chat/stream   SSE stream of the caller's turn events
//	GET    /api/conversation  recent turns for reconnect backfill
//	DELETE /api/conversation  clear log and checkpoints atomically
//	GET    /health            liveness probe
//	GET    /ready             readiness probe (pings the database)
//
// Everything under /api requires a bearer JWT; the subject claim is the
// user id.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridsage/gridsage/internal/orchestrator"
	"github.com/gridsage/gridsage/internal/relay"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to block Slowloris clients.
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout = 30 * time.Second
	IdleTimeout = 120 * time.Second
)

// Pinger is the readiness slice of *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the agent API.
type Server struct {
	mux    *http.ServeMux
	auth   *authenticator
	logger *slog.Logger
}

// NewServer creates a server with all routes registered. Pass nil logger
// for the default.
func NewServer(orch *orchestrator.Orchestrator, broadcaster *relay.Broadcaster, db Pinger, authSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		auth:   newAuthenticator(authSecret, logger),
		logger: logger.With("component", "api"),
	}

	newHealthHandler(db, logger).registerRoutes(mux)
	newChatHandler(orch, broadcaster, logger).registerRoutes(mux)
	newConversationHandler(orch, logger).registerRoutes(mux)

	return s
}

// Handler returns the routed handler with middleware applied.
// Order: recovery, then logging, then auth for /api routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		s.recoveryMiddleware,
		s.loggingMiddleware,
		s.auth.middleware,
	)
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
		// No WriteTimeout: /api/chat/stream holds its response open for
		// the life of the subscription.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
