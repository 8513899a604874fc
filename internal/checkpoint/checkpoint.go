// Package checkpoint persists snapshots of an agent thread's reasoning
// state.
//
// Checkpoints are append-only: each save creates a new version for the
// thread and load always returns the most recent. Superseded versions are
// kept as a replayable history and are only removed by an explicit
// clear-conversation request. The state payload is opaque to this package;
// the step column carries the loop state name so interrupted threads can be
// found for recovery after a restart.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is one persisted snapshot of a thread's reasoning state.
type Checkpoint struct {
	ThreadID  uuid.UUID
	Version   int32
	UserID    string
	Step      string // loop state name at save time, e.g. "reasoning"
	State     []byte // opaque JSON payload owned by the agent loop
	CreatedAt time.Time
}

// ThreadRef identifies a thread and its owning user.
type ThreadRef struct {
	ThreadID uuid.UUID
	UserID   string
}
