package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrThreadCleared indicates the thread's checkpoint history was deleted
// between the writer's previous save and this one, typically by a
// concurrent clear-conversation request. The writer must stop instead of
// re-inserting state the user just deleted.
var ErrThreadCleared = errors.New("thread checkpoints cleared")

// Querier defines the database operations the Store needs.
type Querier interface {
	// InsertCheckpoint appends version prev+1 for the thread, provided
	// version prev still exists (prev 0 requires an empty thread).
	// A failed precondition reports pgx.ErrNoRows.
	InsertCheckpoint(ctx context.Context, threadID uuid.UUID, userID, step string, state []byte, prev int32) (int32, error)

	// LatestCheckpoint returns the highest-version checkpoint for the
	// thread, or nil when the thread has none.
	LatestCheckpoint(ctx context.Context, threadID uuid.UUID) (*Checkpoint, error)

	// InterruptedThreads returns threads whose latest checkpoint is not a
	// terminal step.
	InterruptedThreads(ctx context.Context, terminalStep string) ([]ThreadRef, error)
}

// Store manages checkpoint persistence.
//
// Save issues a synchronous round trip on the shared pool, so a save by
// thread T is visible to T's next load (read-your-writes within a thread).
// No ordering is guaranteed across threads, and none is needed: threads
// never read each other's checkpoints.
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

// Save appends checkpoint version prev+1 for the thread. prev is the
// version the caller last wrote or loaded, 0 for a thread with no
// history. When prev has vanished the thread was cleared out from under
// the caller and Save returns ErrThreadCleared without writing anything.
func (s *Store) Save(ctx context.Context, threadID uuid.UUID, userID, step string, state []byte, prev int32) (int32, error) {
	version, err := s.q.InsertCheckpoint(ctx, threadID, userID, step, state, prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("thread %s version %d: %w", threadID, prev, ErrThreadCleared)
	}
	if err != nil {
		return 0, fmt.Errorf("saving checkpoint for thread %s: %w", threadID, err)
	}

	s.logger.Debug("saved checkpoint",
		"thread_id", threadID, "version", version, "step", step)
	return version, nil
}

// Load returns the latest checkpoint for the thread, or nil when the
// thread has never been checkpointed.
func (s *Store) Load(ctx context.Context, threadID uuid.UUID) (*Checkpoint, error) {
	cp, err := s.q.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for thread %s: %w", threadID, err)
	}
	return cp, nil
}

// Interrupted returns threads whose latest checkpoint step is not
// terminalStep, meaning a process crash left them unfinished.
func (s *Store) Interrupted(ctx context.Context, terminalStep string) ([]ThreadRef, error) {
	refs, err := s.q.InterruptedThreads(ctx, terminalStep)
	if err != nil {
		return nil, fmt.Errorf("listing interrupted threads: %w", err)
	}
	return refs, nil
}

// ClearTx deletes every checkpoint version for the thread inside the
// caller's transaction. Paired with the conversation store's ClearTx by
// the orchestrator so clearing a conversation is atomic.
func (s *Store) ClearTx(ctx context.Context, tx pgx.Tx, threadID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("clearing checkpoints for thread %s: %w", threadID, err)
	}

	s.logger.Debug("cleared checkpoints", "thread_id", threadID)
	return nil
}
