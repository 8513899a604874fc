package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridsage/gridsage/internal/agent"
	"github.com/gridsage/gridsage/internal/checkpoint"
	"github.com/gridsage/gridsage/internal/conversation"
	"github.com/gridsage/gridsage/internal/orchestrator"
	"github.com/gridsage/gridsage/internal/relay"
	"github.com/gridsage/gridsage/internal/retrieval"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mintToken(t *testing.T, sub string, secret []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return token
}

// memTurns is an in-memory conversation.Querier.
type memTurns struct {
	mu    sync.Mutex
	turns []conversation.Turn
	tick  int
}

func (m *memTurns) InsertTurn(_ context.Context, userID string, speaker conversation.Speaker, text string, final bool) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick++
	t := conversation.Turn{
		ID: uuid.New(), UserID: userID, Speaker: speaker, Text: text, Final: final,
		CreatedAt: time.Unix(int64(m.tick), 0),
	}
	m.turns = append(m.turns, t)
	return t.ID, nil
}

func (m *memTurns) FinalizeTurn(_ context.Context, id uuid.UUID, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.turns {
		if m.turns[i].ID == id && !m.turns[i].Final {
			m.turns[i].Text = text
			m.turns[i].Final = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memTurns) TurnExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.turns {
		if m.turns[i].ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTurns) RecentTurns(_ context.Context, userID string, limit int32) ([]conversation.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest []conversation.Turn
	for i := len(m.turns) - 1; i >= 0 && int32(len(newest)) < limit; i-- {
		if m.turns[i].UserID == userID {
			newest = append(newest, m.turns[i])
		}
	}
	return newest, nil
}

// memCheckpoints is an in-memory checkpoint.Querier.
type memCheckpoints struct {
	mu       sync.Mutex
	versions map[uuid.UUID][]checkpoint.Checkpoint
}

func (m *memCheckpoints) InsertCheckpoint(_ context.Context, threadID uuid.UUID, userID, step string, state []byte, prev int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int32(len(m.versions[threadID])) != prev {
		return 0, pgx.ErrNoRows
	}
	version := prev + 1
	m.versions[threadID] = append(m.versions[threadID], checkpoint.Checkpoint{
		ThreadID: threadID, Version: version, UserID: userID, Step: step,
		State: append([]byte(nil), state...),
	})
	return version, nil
}

func (m *memCheckpoints) LatestCheckpoint(_ context.Context, threadID uuid.UUID) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[threadID]
	if len(versions) == 0 {
		return nil, nil
	}
	cp := versions[len(versions)-1]
	return &cp, nil
}

func (m *memCheckpoints) InterruptedThreads(_ context.Context, _ string) ([]checkpoint.ThreadRef, error) {
	return nil, nil
}

// echoPlanner answers with a fixed text, no tool calls.
type echoPlanner struct{ answer string }

func (p *echoPlanner) Decide(_ context.Context, _ []*ai.Message) (*agent.Decision, error) {
	return &agent.Decision{Message: ai.NewModelMessage(ai.NewTextPart("ok"))}, nil
}

func (p *echoPlanner) Respond(_ context.Context, _ []*ai.Message, _ []retrieval.Passage, onToken func(string) error) (string, error) {
	for _, word := range strings.SplitAfter(p.answer, " ") {
		if err := onToken(word); err != nil {
			return "", err
		}
	}
	return p.answer, nil
}

type emptyIndex struct{}

func (emptyIndex) Search(_ context.Context, _ string, _ int) ([]retrieval.Passage, error) {
	return []retrieval.Passage{{SourceURL: "https://iso-ne.com/a", Text: "passage text", Score: 0.9}}, nil
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type noopTx struct {
	pgx.Tx
	committed bool
}

func (t *noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *noopTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *noopTx) Rollback(context.Context) error { return nil }

type noopDB struct{ tx noopTx }

func (db *noopDB) Begin(context.Context) (pgx.Tx, error) { return &db.tx, nil }

type testEnv struct {
	server  *Server
	orch    *orchestrator.Orchestrator
	runner  *agent.Runner
	relay   *relay.Broadcaster
	pinger  *okPinger
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	turns := &memTurns{}
	cks := &memCheckpoints{versions: make(map[uuid.UUID][]checkpoint.Checkpoint)}
	broadcaster := relay.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	tool := retrieval.NewTool(emptyIndex{}, 0, nil)
	runner := agent.NewRunner(checkpoint.New(cks, nil), &echoPlanner{answer: "The answer."}, tool,
		agent.Config{ToolRetries: 1, MaxToolCalls: 3}, nil)

	orch := orchestrator.New(conversation.New(turns, nil), checkpoint.New(cks, nil), runner,
		broadcaster, &noopDB{}, orchestrator.Config{TurnTimeout: 5 * time.Second, HistoryLimit: 10}, nil)
	t.Cleanup(orch.Close)

	pinger := &okPinger{}
	server := NewServer(orch, broadcaster, pinger, testSecret, nil)
	return &testEnv{
		server:  server,
		orch:    orch,
		runner:  runner,
		relay:   broadcaster,
		pinger:  pinger,
		handler: server.Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	env := newTestEnv(t)

	for name, token := range map[string]string{
		"missing":      "",
		"garbage":      "not-a-jwt",
		"wrong secret": mintToken(t, "alice", []byte("ffffffffffffffffffffffffffffffff")),
	} {
		rec := env.do(t, http.MethodGet, "/api/conversation", token, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s token: status = %d, want 401", name, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s token: body %q not JSON: %v", name, rec.Body.String(), err)
		}
		if body["error"] != "not_authenticated" {
			t.Errorf("%s token: body = %v", name, body)
		}
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/ready", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/ready status = %d, want 200", rec.Code)
	}

	env.pinger.err = errors.New("connection refused")
	if rec := env.do(t, http.MethodGet, "/ready", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready with dead db status = %d, want 503", rec.Code)
	}
}

func TestChatRequiresPrompt(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	for _, body := range []string{`{}`, `{"prompt":"  "}`, `not json`} {
		rec := env.do(t, http.MethodPost, "/api/chat", token, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestChatAsyncAccepted(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	rec := env.do(t, http.MethodPost, "/api/chat", token, `{"prompt":"what is LMP?"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	var resp ChatStartedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Message != "started" {
		t.Errorf("message = %q, want started", resp.Message)
	}
	if _, err := uuid.Parse(resp.InteractionID); err != nil {
		t.Errorf("interactionId %q is not a UUID", resp.InteractionID)
	}
	env.orch.Close()
}

func TestChatBusyThreadConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	release, err := env.runner.Reserve(orchestrator.ThreadID("alice"))
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	defer release()

	rec := env.do(t, http.MethodPost, "/api/chat", token, `{"prompt":"hi"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestChatSyncReturnsAnswerAndContexts(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	rec := env.do(t, http.MethodPost, "/api/chat-sync", token, `{"prompt":"what is LMP?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ChatSyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Response != "The answer." {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.Contexts == nil {
		t.Error("contexts missing from response")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	rec := env.do(t, http.MethodPost, "/api/chat-sync", token, `{"prompt":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat-sync status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/conversation", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("conversation status = %d", rec.Code)
	}
	var conv ConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("got %d turns, want user + assistant", len(conv.Turns))
	}
	if conv.Turns[0].Speaker != "user" || conv.Turns[0].Text != "hello" {
		t.Errorf("first turn = %+v", conv.Turns[0])
	}
	if conv.Turns[1].Speaker != "assistant" || !conv.Turns[1].Final {
		t.Errorf("second turn = %+v", conv.Turns[1])
	}

	// Another user sees nothing.
	otherToken := mintToken(t, "bob", testSecret)
	rec = env.do(t, http.MethodGet, "/api/conversation", otherToken, "")
	var otherConv ConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &otherConv); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(otherConv.Turns) != 0 {
		t.Errorf("bob sees %d of alice's turns", len(otherConv.Turns))
	}

	rec = env.do(t, http.MethodDelete, "/api/conversation", token, "")
	if rec.Code != http.StatusOK {
		t.Errorf("clear status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/conversation", token, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	// The fake transaction swallowed the deletes; only the status code
	// and the call sequence matter here.
	_ = conv
}

func TestStreamDeliversTurnEvents(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "alice", testSecret)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	// EventSource clients cannot set headers; the token rides the query
	// string.
	resp, err := http.Get(ts.URL + "/api/chat/stream?access_token=" + token)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the subscription a moment to register before starting.
	time.Sleep(50 * time.Millisecond)

	if _, err := env.orch.StartTurn(context.Background(), "alice", "what is LMP?"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, rest)
			if rest == "end" {
				break
			}
		}
	}

	if len(kinds) < 3 {
		t.Fatalf("received kinds %v, want status, tokens, end", kinds)
	}
	if kinds[0] != "status" {
		t.Errorf("first event = %q, want status", kinds[0])
	}
	if kinds[len(kinds)-1] != "end" {
		t.Errorf("last event = %q, want end", kinds[len(kinds)-1])
	}
	for _, k := range kinds[1 : len(kinds)-1] {
		if k != "token" {
			t.Errorf("middle event = %q, want token", k)
		}
	}
}
