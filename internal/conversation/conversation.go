// Package conversation provides the durable, append-only log of user and
// assistant turns.
//
// Assistant turns are created as empty placeholders before generation starts
// and finalized exactly once when generation ends. Intermediate token chunks
// are never persisted; the finalized turn is the authoritative record.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a turn.
type Speaker string

// Valid speakers.
const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Sentinel errors for turn operations.
var (
	// ErrTurnNotFound indicates the referenced turn does not exist
	// (possibly deleted by a concurrent clear).
	ErrTurnNotFound = errors.New("turn not found")

	// ErrAlreadyFinalized indicates Finalize was called twice for the
	// same turn. Finalize is set-exactly-once by contract.
	ErrAlreadyFinalized = errors.New("turn already finalized")
)

// Turn is one logged message in a conversation.
type Turn struct {
	ID        uuid.UUID
	UserID    string
	Speaker   Speaker
	Text      string
	Final     bool // false only for an un-finalized assistant placeholder
	CreatedAt time.Time
}
