package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/gridsage/gridsage/internal/checkpoint"
	"github.com/gridsage/gridsage/internal/retrieval"
)

// toolRetryBackoff is the initial delay between retrieval retries; it
// doubles per attempt. Waits honor the loop context, so the turn timeout
// always dominates the retry budget.
const toolRetryBackoff = 200 * time.Millisecond

// Config bounds a turn.
type Config struct {
	// ToolRetries is how many times a failed retrieval call is retried
	// before the loop gives up on retrieval and answers with whatever
	// context it already has.
	ToolRetries int
	// MaxToolCalls caps searches per turn; once reached the model is
	// forced to respond with what it has.
	MaxToolCalls int
}

// Runner drives turns through the state machine, checkpointing every
// transition.
type Runner struct {
	checkpoints *checkpoint.Store
	planner     Planner
	tool        *retrieval.Tool
	cfg         Config
	logger      *slog.Logger

	mu   sync.Mutex
	busy map[uuid.UUID]struct{}
}

// NewRunner creates a Runner. Pass nil logger for the default.
func NewRunner(checkpoints *checkpoint.Store, planner Planner, tool *retrieval.Tool, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		checkpoints: checkpoints,
		planner:     planner,
		tool:        tool,
		cfg:         cfg,
		logger:      logger.With("component", "runner"),
		busy:        make(map[uuid.UUID]struct{}),
	}
}

// Reserve marks the thread busy for one turn. A thread with a turn in
// flight returns ErrThreadBusy; otherwise the returned release func must
// be called when the turn is over. Reserving before logging anything lets
// the caller reject concurrent requests without leaving orphan turns in
// the conversation log.
func (r *Runner) Reserve(threadID uuid.UUID) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.busy[threadID]; taken {
		return nil, fmt.Errorf("%w: thread %s", ErrThreadBusy, threadID)
	}
	r.busy[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.busy, threadID)
			r.mu.Unlock()
		})
	}, nil
}

// Run drives one user turn to completion. The caller must hold the
// thread's reservation. On success the result carries the final text and
// the passages gathered along the way; on any outcome the sink's OnEnd is
// called exactly once.
func (r *Runner) Run(ctx context.Context, req TurnRequest, sink Sink) (*Result, error) {
	st := &loopState{State: StateStart, InteractionID: req.InteractionID}

	cp, err := r.checkpoints.Load(ctx, req.ThreadID)
	if err != nil {
		sink.OnEnd("", err)
		return nil, err
	}
	var version int32
	if cp != nil {
		version = cp.Version
		var prev loopState
		if err := json.Unmarshal(cp.State, &prev); err != nil {
			r.logger.Warn("discarding unreadable checkpoint state",
				"thread_id", req.ThreadID, "version", cp.Version, "error", err)
		} else {
			st.Transcript = prev.Transcript
		}
	}

	if len(st.Transcript) == 0 && req.History != "" {
		st.Transcript = append(st.Transcript,
			ai.NewUserMessage(ai.NewTextPart("Recent conversation:\n"+req.History)))
	}
	st.Transcript = append(st.Transcript, ai.NewUserMessage(ai.NewTextPart(req.Prompt)))

	return r.drive(ctx, req.ThreadID, req.UserID, st, sink, version)
}

// Resume picks up a thread whose latest checkpoint is mid-turn, typically
// after a crash, and drives it to completion. Returns (nil, nil) when
// there is nothing to resume. A recovery that cannot even start still
// reports through the sink so the dangling placeholder gets finalized.
// The caller must hold the thread's reservation.
func (r *Runner) Resume(ctx context.Context, threadID uuid.UUID, userID string, sink Sink) (*Result, error) {
	cp, err := r.checkpoints.Load(ctx, threadID)
	if err != nil {
		sink.OnEnd("", err)
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}

	var st loopState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		err = fmt.Errorf("decoding checkpoint state for thread %s: %w", threadID, err)
		sink.OnEnd("", err)
		return nil, err
	}
	if st.State == StateDone {
		return nil, nil
	}

	r.logger.Info("resuming interrupted turn",
		"thread_id", threadID, "state", st.State, "version", cp.Version)
	return r.drive(ctx, threadID, userID, &st, sink, cp.Version)
}

// drive runs the state machine from the state's current position.
// version is the latest checkpoint version already persisted for the
// thread. Each case checkpoints the state it is entering before doing
// its work; a save that reports the thread was cleared aborts the turn
// without writing anything back.
func (r *Runner) drive(ctx context.Context, threadID uuid.UUID, userID string, st *loopState, sink Sink, version int32) (*Result, error) {
	for {
		v, err := r.save(ctx, threadID, userID, st, version)
		if err != nil {
			if errors.Is(err, checkpoint.ErrThreadCleared) {
				r.logger.Warn("aborting turn, thread cleared mid-flight",
					"thread_id", threadID)
				sink.OnEnd("", err)
				return nil, err
			}
			return r.fail(ctx, threadID, userID, st, sink, version, err)
		}
		version = v

		switch st.State {
		case StateStart:
			st.State = StateReasoning

		case StateReasoning:
			dec, err := r.decide(ctx, st.Transcript)
			if err != nil {
				return r.fail(ctx, threadID, userID, st, sink, version, err)
			}
			if dec.Search != nil && st.ToolCalls < r.cfg.MaxToolCalls {
				st.Pending = &pendingCall{
					Query:    dec.Search.Query,
					K:        dec.Search.K,
					ToolName: dec.ToolName,
					ToolRef:  dec.ToolRef,
					Message:  dec.Message,
				}
				st.State = StateToolCall
			} else {
				st.State = StateResponding
			}

		case StateToolCall:
			if st.Pending == nil {
				// A resumed checkpoint can land here without its
				// pending call; re-decide instead of guessing.
				st.State = StateReasoning
				continue
			}
			passages, err := r.searchWithRetry(ctx, st.Pending.Query, st.Pending.K)
			if err != nil {
				if ctx.Err() != nil {
					return r.fail(ctx, threadID, userID, st, sink, version, err)
				}
				// Retrieval is out of retries; answer with whatever
				// context has been gathered instead of failing the turn.
				r.logger.Warn("retrieval exhausted, responding with gathered context",
					"thread_id", threadID, "query", st.Pending.Query, "error", err)
				st.Transcript = append(st.Transcript, ai.NewUserMessage(ai.NewTextPart(
					"Note: document retrieval failed, so supporting context may be incomplete. "+
						"Answer from what is already available and say so when unsure.")))
				st.Pending = nil
				st.State = StateResponding
				continue
			}
			if st.Pending.Message != nil {
				st.Transcript = append(st.Transcript, st.Pending.Message)
			}
			st.Transcript = append(st.Transcript, toolResponseMessage(&Decision{
				ToolName: st.Pending.ToolName,
				ToolRef:  st.Pending.ToolRef,
			}, passages))
			st.Passages = mergePassages(st.Passages, passages)
			st.ToolCalls++
			st.Pending = nil
			st.State = StateToolResult

		case StateToolResult:
			st.State = StateReasoning

		case StateResponding:
			text, err := r.planner.Respond(ctx, st.Transcript, st.Passages, sink.OnToken)
			if err != nil {
				return r.fail(ctx, threadID, userID, st, sink, version, err)
			}
			st.Transcript = append(st.Transcript, ai.NewModelMessage(ai.NewTextPart(text)))
			st.Response = text
			st.State = StateDone

		case StateDone:
			res := &Result{Text: st.Response, Passages: st.Passages}
			sink.OnEnd(st.Response, nil)
			return res, nil

		default:
			return r.fail(ctx, threadID, userID, st, sink, version,
				fmt.Errorf("unknown loop state %q", st.State))
		}
	}
}

// decide asks the planner for the next action, allowing one retry when
// the model's output was unparseable.
func (r *Runner) decide(ctx context.Context, transcript []*ai.Message) (*Decision, error) {
	dec, err := r.planner.Decide(ctx, transcript)
	if errors.Is(err, ErrUnparseableAction) {
		r.logger.Warn("unparseable model action, retrying once", "error", err)
		dec, err = r.planner.Decide(ctx, transcript)
	}
	return dec, err
}

// searchWithRetry retries failed retrieval with doubling backoff. The
// backoff wait aborts when ctx does, so retries never outlive the turn
// deadline.
func (r *Runner) searchWithRetry(ctx context.Context, query string, k int) ([]retrieval.Passage, error) {
	backoff := toolRetryBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ToolRetries; attempt++ {
		if attempt > 0 {
			r.logger.Debug("retrying retrieval", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		passages, err := r.tool.Search(ctx, query, k)
		if err == nil {
			return passages, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d retries: %v", ErrToolFailed, r.cfg.ToolRetries, lastErr)
}

// fail transitions the turn to Done with the error recorded, checkpoints
// it even when the turn context has expired, and reports through the
// sink.
func (r *Runner) fail(ctx context.Context, threadID uuid.UUID, userID string, st *loopState, sink Sink, version int32, cause error) (*Result, error) {
	st.State = StateDone
	st.Pending = nil
	st.Error = cause.Error()

	if _, err := r.save(context.WithoutCancel(ctx), threadID, userID, st, version); err != nil {
		r.logger.Error("saving failure checkpoint", "thread_id", threadID, "error", err)
	}

	r.logger.Error("turn failed", "thread_id", threadID, "error", cause)
	sink.OnEnd("", cause)
	return nil, cause
}

func (r *Runner) save(ctx context.Context, threadID uuid.UUID, userID string, st *loopState, prev int32) (int32, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encoding loop state: %w", err)
	}
	return r.checkpoints.Save(ctx, threadID, userID, string(st.State), payload, prev)
}

// mergePassages combines passage sets, keeping the highest-scoring
// passage per source.
func mergePassages(have, more []retrieval.Passage) []retrieval.Passage {
	if len(have) == 0 {
		return more
	}
	bySource := make(map[string]int, len(have))
	for i, p := range have {
		bySource[p.SourceURL] = i
	}
	for _, p := range more {
		if i, ok := bySource[p.SourceURL]; ok {
			if p.Score > have[i].Score {
				have[i] = p
			}
			continue
		}
		bySource[p.SourceURL] = len(have)
		have = append(have, p)
	}
	return have
}
