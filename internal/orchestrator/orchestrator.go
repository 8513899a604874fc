// Package orchestrator ties a user request to a full conversational
// turn: it records the user's message, drives the agent loop, streams
// progress through the relay, and finalizes the assistant's turn on every
// outcome.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gridsage/gridsage/internal/agent"
	"github.com/gridsage/gridsage/internal/checkpoint"
	"github.com/gridsage/gridsage/internal/conversation"
	"github.com/gridsage/gridsage/internal/relay"
)

const (
	// statusFindingMatches is shown to the user while retrieval and
	// reasoning run, before the first token arrives.
	statusFindingMatches = "Finding matches..."

	// apologyMessage finalizes the assistant turn when the loop fails;
	// the user never gets a forever-pending placeholder.
	apologyMessage = "I'm sorry, something went wrong while answering. Please try again."
)

// threadNamespace seeds the deterministic userID-to-threadID mapping.
var threadNamespace = uuid.MustParse("8a9e7b54-3c1d-4f6e-9a2b-5d8c0f4e1a37")

// ThreadID returns the user's default thread. The mapping is
// deterministic so every process derives the same thread for a user
// without coordination.
func ThreadID(userID string) uuid.UUID {
	return uuid.NewSHA1(threadNamespace, []byte(userID))
}

// TxBeginner opens transactions; satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TurnResult is the outcome of a synchronous turn.
type TurnResult struct {
	Response string
	Contexts []string
}

// Orchestrator coordinates stores, agent and relay for one deployment.
type Orchestrator struct {
	turns        *conversation.Store
	checkpoints  *checkpoint.Store
	runner       *agent.Runner
	relay        *relay.Broadcaster
	db           TxBeginner
	turnTimeout  time.Duration
	historyLimit int
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// Config holds orchestrator knobs.
type Config struct {
	TurnTimeout  time.Duration
	HistoryLimit int
}

// New creates an Orchestrator. Pass nil logger for the default.
func New(turns *conversation.Store, checkpoints *checkpoint.Store, runner *agent.Runner, broadcaster *relay.Broadcaster, db TxBeginner, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		turns:        turns,
		checkpoints:  checkpoints,
		runner:       runner,
		relay:        broadcaster,
		db:           db,
		turnTimeout:  cfg.TurnTimeout,
		historyLimit: cfg.HistoryLimit,
		logger:       logger.With("component", "orchestrator"),
	}
}

// StartTurn begins an asynchronous turn: the user's message is logged, a
// placeholder assistant turn is created, and the loop runs detached while
// tokens flow through the relay. Returns the interaction ID consumers see
// on stream events. A busy thread is rejected with agent.ErrThreadBusy
// before anything is logged.
func (o *Orchestrator) StartTurn(ctx context.Context, userID, prompt string) (uuid.UUID, error) {
	threadID := ThreadID(userID)
	release, err := o.runner.Reserve(threadID)
	if err != nil {
		return uuid.Nil, err
	}

	req, err := o.prepareTurn(ctx, threadID, userID, prompt)
	if err != nil {
		release()
		return uuid.Nil, err
	}

	o.relay.Publish(userID, relay.Event{
		InteractionID: req.InteractionID,
		Kind:          relay.KindStatus,
		Payload:       statusFindingMatches,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()

		// The turn outlives the HTTP request that started it; only the
		// turn timeout bounds it.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.turnTimeout)
		defer cancel()

		sink := o.newTurnSink(runCtx, userID, req.InteractionID)
		if _, err := o.runner.Run(runCtx, req, sink); err != nil {
			o.logger.Error("async turn failed", "user_id", userID, "error", err)
		}
	}()

	return req.InteractionID, nil
}

// RunTurnSync runs a turn inline and returns the final answer with the
// deduplicated passage texts that grounded it.
func (o *Orchestrator) RunTurnSync(ctx context.Context, userID, prompt string) (*TurnResult, error) {
	threadID := ThreadID(userID)
	release, err := o.runner.Reserve(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := o.prepareTurn(ctx, threadID, userID, prompt)
	if err != nil {
		return nil, err
	}

	o.relay.Publish(userID, relay.Event{
		InteractionID: req.InteractionID,
		Kind:          relay.KindStatus,
		Payload:       statusFindingMatches,
	})

	runCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	sink := o.newTurnSink(runCtx, userID, req.InteractionID)
	res, err := o.runner.Run(runCtx, req, sink)
	if err != nil {
		return nil, err
	}

	contexts := make([]string, 0, len(res.Passages))
	for _, p := range res.Passages {
		contexts = append(contexts, p.Text)
	}
	return &TurnResult{Response: res.Text, Contexts: contexts}, nil
}

// prepareTurn logs the user's message, creates the assistant placeholder
// and assembles the loop request. A storage error here aborts the turn
// before the loop ever starts.
func (o *Orchestrator) prepareTurn(ctx context.Context, threadID uuid.UUID, userID, prompt string) (agent.TurnRequest, error) {
	history, err := o.turns.Recent(ctx, userID, int32(o.historyLimit))
	if err != nil {
		return agent.TurnRequest{}, fmt.Errorf("loading history: %w", err)
	}

	if _, err := o.turns.Append(ctx, userID, conversation.SpeakerUser, prompt); err != nil {
		return agent.TurnRequest{}, fmt.Errorf("logging user turn: %w", err)
	}

	placeholderID, err := o.turns.CreatePlaceholder(ctx, userID)
	if err != nil {
		return agent.TurnRequest{}, fmt.Errorf("creating placeholder: %w", err)
	}

	return agent.TurnRequest{
		ThreadID:      threadID,
		UserID:        userID,
		InteractionID: placeholderID,
		Prompt:        prompt,
		History:       formatHistory(history),
	}, nil
}

// Recent returns the user's recent turns, oldest first, for reconnect
// backfill.
func (o *Orchestrator) Recent(ctx context.Context, userID string, limit int32) ([]conversation.Turn, error) {
	return o.turns.Recent(ctx, userID, limit)
}

// Clear atomically deletes the user's conversation log and checkpoint
// history in one transaction; a failure leaves both intact.
func (o *Orchestrator) Clear(ctx context.Context, userID string) error {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := o.turns.ClearTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := o.checkpoints.ClearTx(ctx, tx, ThreadID(userID)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing clear transaction: %w", err)
	}

	o.logger.Info("cleared conversation", "user_id", userID)
	return nil
}

// RecoverInterrupted finds threads a previous process left mid-turn and
// drives each to completion, finalizing their dangling placeholders.
// Called once at startup.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	refs, err := o.checkpoints.Interrupted(ctx, string(agent.StateDone))
	if err != nil {
		return err
	}

	for _, ref := range refs {
		release, err := o.runner.Reserve(ref.ThreadID)
		if err != nil {
			continue
		}

		o.wg.Add(1)
		go func(ref checkpoint.ThreadRef, release func()) {
			defer o.wg.Done()
			defer release()

			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.turnTimeout)
			defer cancel()

			placeholderID, err := o.danglingPlaceholder(runCtx, ref.UserID)
			if err != nil {
				o.logger.Error("recovery: locating placeholder",
					"user_id", ref.UserID, "error", err)
				return
			}

			sink := o.newTurnSink(runCtx, ref.UserID, placeholderID)
			if _, err := o.runner.Resume(runCtx, ref.ThreadID, ref.UserID, sink); err != nil {
				o.logger.Error("recovery failed",
					"thread_id", ref.ThreadID, "error", err)
			}
		}(ref, release)
	}

	if len(refs) > 0 {
		o.logger.Info("recovering interrupted threads", "count", len(refs))
	}
	return nil
}

// danglingPlaceholder finds the newest unfinalized assistant turn for the
// user, creating one when the crash predated placeholder creation.
func (o *Orchestrator) danglingPlaceholder(ctx context.Context, userID string) (uuid.UUID, error) {
	turns, err := o.turns.Recent(ctx, userID, int32(o.historyLimit))
	if err != nil {
		return uuid.Nil, err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker == conversation.SpeakerAssistant && !turns[i].Final {
			return turns[i].ID, nil
		}
	}
	return o.turns.CreatePlaceholder(ctx, userID)
}

// Close waits for detached turns to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// formatHistory renders turns as "SPEAKER: text" lines, oldest first.
// Unfinalized placeholders and empty turns are skipped.
func formatHistory(turns []conversation.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Speaker == conversation.SpeakerAssistant && !t.Final {
			continue
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(t.Speaker)), t.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
