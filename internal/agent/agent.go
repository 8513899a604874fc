// Package agent drives one conversational turn as an explicit state
// machine: Start, Reasoning, ToolCall, ToolResult, Responding, Done.
//
// Every transition is checkpointed before the next step runs, so a crash
// mid-turn leaves a resumable trail instead of a half-remembered
// conversation. Asking the model what to do next and emitting the answer
// to the user are separate states with separate model calls: Reasoning
// decides, Responding streams.
package agent

import (
	"errors"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/gridsage/gridsage/internal/retrieval"
)

// State names one step of the turn state machine. The string values are
// persisted in the checkpoint step column.
type State string

const (
	StateStart      State = "start"
	StateReasoning  State = "reasoning"
	StateToolCall   State = "tool_call"
	StateToolResult State = "tool_result"
	StateResponding State = "responding"
	StateDone       State = "done"
)

var (
	// ErrThreadBusy means a turn is already in flight for the thread.
	ErrThreadBusy = errors.New("agent: thread busy")

	// ErrGeneration means the model failed to produce a usable response.
	ErrGeneration = errors.New("agent: model generation failed")

	// ErrUnparseableAction means the model's reasoning output was neither
	// an answer nor a recognizable tool request.
	ErrUnparseableAction = errors.New("agent: unparseable model action")

	// ErrToolFailed means retrieval failed after exhausting the retry
	// budget.
	ErrToolFailed = errors.New("agent: retrieval tool failed")
)

// Sink receives the turn's output as it is produced. OnToken is called
// synchronously from the loop during Responding; OnEnd is called exactly
// once per run, on every outcome including errors.
type Sink interface {
	OnToken(text string) error
	OnEnd(finalText string, runErr error)
}

// Result is the outcome of a completed turn.
type Result struct {
	Text     string
	Passages []retrieval.Passage
}

// TurnRequest describes one user turn to run.
type TurnRequest struct {
	ThreadID      uuid.UUID
	UserID        string
	InteractionID uuid.UUID

	// Prompt is the user's message for this turn.
	Prompt string

	// History is the formatted recent conversation ("USER: ..." lines,
	// oldest first). Folded into the transcript only when the thread has
	// no checkpointed transcript yet.
	History string
}

// pendingCall is a tool invocation decided in Reasoning and awaiting
// execution in ToolCall. Persisted so a resumed thread can re-run it.
type pendingCall struct {
	Query    string      `json:"query"`
	K        int         `json:"k"`
	ToolName string      `json:"toolName"`
	ToolRef  string      `json:"toolRef"`
	Message  *ai.Message `json:"message"`
}

// loopState is the checkpointed state of a turn. It is the only state the
// loop carries between transitions; the process holds nothing a restart
// would lose.
type loopState struct {
	State         State               `json:"state"`
	InteractionID uuid.UUID           `json:"interactionId"`
	Transcript    []*ai.Message       `json:"transcript"`
	Pending       *pendingCall        `json:"pending,omitempty"`
	Passages      []retrieval.Passage `json:"passages,omitempty"`
	ToolCalls     int                 `json:"toolCalls"`
	Response      string              `json:"response,omitempty"`
	Error         string              `json:"error,omitempty"`
}
