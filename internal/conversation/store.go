package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Querier defines the database operations the Store needs. Following Go
// practice, the interface is defined by the consumer; the pgx-backed
// implementation lives in queries.go and tests substitute a mock.
type Querier interface {
	// InsertTurn inserts a turn and returns its generated id.
	// final=false creates an un-finalized assistant placeholder.
	InsertTurn(ctx context.Context, userID string, speaker Speaker, text string, final bool) (uuid.UUID, error)

	// FinalizeTurn sets the text of an un-finalized assistant turn.
	// Returns false when no un-finalized row matched the id.
	FinalizeTurn(ctx context.Context, id uuid.UUID, text string) (bool, error)

	// TurnExists reports whether any turn with the id exists.
	TurnExists(ctx context.Context, id uuid.UUID) (bool, error)

	// RecentTurns returns up to limit turns for the user, newest first.
	RecentTurns(ctx context.Context, userID string, limit int32) ([]Turn, error)
}

// Store is the conversation log backed by PostgreSQL.
// It is safe for concurrent use by multiple goroutines.
type Store struct {
	q      Querier
	logger *slog.Logger
}

// New creates a Store. Pass nil logger for the default.
func New(q Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{q: q, logger: logger}
}

// Append logs a completed turn and returns its id.
func (s *Store) Append(ctx context.Context, userID string, speaker Speaker, text string) (uuid.UUID, error) {
	id, err := s.q.InsertTurn(ctx, userID, speaker, text, true)
	if err != nil {
		return uuid.Nil, fmt.Errorf("appending %s turn: %w", speaker, err)
	}

	s.logger.Debug("appended turn", "turn_id", id, "user_id", userID, "speaker", speaker)
	return id, nil
}

// CreatePlaceholder inserts an empty assistant turn to be finalized later.
// The placeholder's id doubles as the interaction id on the relay.
func (s *Store) CreatePlaceholder(ctx context.Context, userID string) (uuid.UUID, error) {
	id, err := s.q.InsertTurn(ctx, userID, SpeakerAssistant, "", false)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating placeholder turn: %w", err)
	}

	s.logger.Debug("created placeholder", "turn_id", id, "user_id", userID)
	return id, nil
}

// Finalize sets the placeholder's text exactly once. A second call returns
// ErrAlreadyFinalized; a call for a deleted turn returns ErrTurnNotFound.
// The final_at guard in SQL makes the exactly-once check atomic under
// concurrent finalize attempts.
func (s *Store) Finalize(ctx context.Context, turnID uuid.UUID, text string) error {
	updated, err := s.q.FinalizeTurn(ctx, turnID, text)
	if err != nil {
		return fmt.Errorf("finalizing turn %s: %w", turnID, err)
	}
	if updated {
		s.logger.Debug("finalized turn", "turn_id", turnID, "text_len", len(text))
		return nil
	}

	exists, err := s.q.TurnExists(ctx, turnID)
	if err != nil {
		return fmt.Errorf("checking turn %s: %w", turnID, err)
	}
	if exists {
		return fmt.Errorf("turn %s: %w", turnID, ErrAlreadyFinalized)
	}
	return fmt.Errorf("turn %s: %w", turnID, ErrTurnNotFound)
}

// Recent returns up to limit turns for the user in creation order, oldest
// first, regardless of storage order.
func (s *Store) Recent(ctx context.Context, userID string, limit int32) ([]Turn, error) {
	turns, err := s.q.RecentTurns(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent turns for %s: %w", userID, err)
	}

	// RecentTurns returns newest first so the LIMIT keeps the most recent
	// window; callers want oldest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ClearTx deletes all turns for the user inside the caller's transaction.
// The orchestrator pairs this with the checkpoint store's ClearTx so a
// clear-conversation request is atomic across both tables.
func (s *Store) ClearTx(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clearing turns for %s: %w", userID, err)
	}

	s.logger.Debug("cleared turns", "user_id", userID)
	return nil
}
