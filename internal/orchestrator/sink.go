package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/gridsage/gridsage/internal/relay"
)

// turnSink forwards loop output to the relay and finalizes the assistant
// placeholder when the turn ends. Finalize plus the trailing end event
// happen on every outcome, including failures and timeouts, so a
// subscriber always sees the turn close and the log never keeps a
// pending placeholder.
type turnSink struct {
	o             *Orchestrator
	ctx           context.Context
	userID        string
	placeholderID uuid.UUID
}

func (o *Orchestrator) newTurnSink(ctx context.Context, userID string, placeholderID uuid.UUID) *turnSink {
	// Finalize must survive the turn deadline that killed the loop.
	return &turnSink{o: o, ctx: context.WithoutCancel(ctx), userID: userID, placeholderID: placeholderID}
}

func (s *turnSink) OnToken(text string) error {
	s.o.relay.Publish(s.userID, relay.Event{
		InteractionID: s.placeholderID,
		Kind:          relay.KindToken,
		Payload:       text,
	})
	return nil
}

func (s *turnSink) OnEnd(finalText string, runErr error) {
	text := finalText
	if runErr != nil || strings.TrimSpace(text) == "" {
		text = apologyMessage
	}

	if err := s.o.turns.Finalize(s.ctx, s.placeholderID, text); err != nil {
		s.o.logger.Error("finalizing turn",
			"turn_id", s.placeholderID, "user_id", s.userID, "error", err)
	}

	s.o.relay.Publish(s.userID, relay.Event{
		InteractionID: s.placeholderID,
		Kind:          relay.KindEnd,
	})
}
