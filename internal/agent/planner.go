package agent

import (
	"context"

	"github.com/firebase/genkit/go/ai"

	"github.com/gridsage/gridsage/internal/retrieval"
)

// SearchRequest is a tool invocation the model asked for.
type SearchRequest struct {
	Query string
	K     int
}

// Decision is the planner's verdict for one reasoning step: either call
// the retrieval tool (Search non-nil) or move on to responding.
type Decision struct {
	Search *SearchRequest

	// Message is the model's raw reasoning message, appended to the
	// transcript so the follow-up call sees its own tool request.
	Message *ai.Message

	// ToolName and ToolRef correlate the eventual tool response with the
	// request.
	ToolName string
	ToolRef  string
}

// Planner is the model behind the loop. Decide runs the non-streaming
// reasoning call; Respond runs the streaming answer call, invoking
// onToken for each chunk, and returns the full answer text.
type Planner interface {
	Decide(ctx context.Context, transcript []*ai.Message) (*Decision, error)
	Respond(ctx context.Context, transcript []*ai.Message, passages []retrieval.Passage, onToken func(string) error) (string, error)
}

// toolResponseMessage builds the transcript message carrying the tool's
// output back to the model.
func toolResponseMessage(dec *Decision, passages []retrieval.Passage) *ai.Message {
	return &ai.Message{
		Role: ai.RoleTool,
		Content: []*ai.Part{
			ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   dec.ToolName,
				Ref:    dec.ToolRef,
				Output: map[string]any{"passages": passages},
			}),
		},
	}
}
