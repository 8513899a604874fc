package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// mockQuerier is an in-memory Querier for testing the Store without a
// database.
type mockQuerier struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID][]Checkpoint
	insertErr   error
	latestErr   error
	calls       []string
}

func newMockQuerier() *mockQuerier {
	return &mockQuerier{checkpoints: make(map[uuid.UUID][]Checkpoint)}
}

func (m *mockQuerier) InsertCheckpoint(_ context.Context, threadID uuid.UUID, userID, step string, state []byte, prev int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "InsertCheckpoint")
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	if int32(len(m.checkpoints[threadID])) != prev {
		return 0, pgx.ErrNoRows
	}
	version := prev + 1
	m.checkpoints[threadID] = append(m.checkpoints[threadID], Checkpoint{
		ThreadID:  threadID,
		Version:   version,
		UserID:    userID,
		Step:      step,
		State:     append([]byte(nil), state...),
		CreatedAt: time.Now(),
	})
	return version, nil
}

func (m *mockQuerier) LatestCheckpoint(_ context.Context, threadID uuid.UUID) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "LatestCheckpoint")
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	versions := m.checkpoints[threadID]
	if len(versions) == 0 {
		return nil, nil
	}
	cp := versions[len(versions)-1]
	return &cp, nil
}

func (m *mockQuerier) InterruptedThreads(_ context.Context, terminalStep string) ([]ThreadRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "InterruptedThreads")
	var refs []ThreadRef
	for threadID, versions := range m.checkpoints {
		latest := versions[len(versions)-1]
		if latest.Step != terminalStep {
			refs = append(refs, ThreadRef{ThreadID: threadID, UserID: latest.UserID})
		}
	}
	return refs, nil
}

func TestSaveThenLoad(t *testing.T) {
	q := newMockQuerier()
	store := New(q, nil)
	threadID := uuid.New()

	version, err := store.Save(context.Background(), threadID, "user-1", "reasoning", []byte(`{"state":"reasoning"}`), 0)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if version != 1 {
		t.Errorf("Save() version = %d, want 1", version)
	}

	cp, err := store.Load(context.Background(), threadID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp == nil {
		t.Fatal("Load() returned nil after Save")
	}
	if cp.Step != "reasoning" {
		t.Errorf("Load() step = %q, want %q", cp.Step, "reasoning")
	}
	if string(cp.State) != `{"state":"reasoning"}` {
		t.Errorf("Load() state = %s", cp.State)
	}
	if cp.UserID != "user-1" {
		t.Errorf("Load() userID = %q, want %q", cp.UserID, "user-1")
	}
}

func TestLoadReturnsLatestVersion(t *testing.T) {
	q := newMockQuerier()
	store := New(q, nil)
	threadID := uuid.New()

	steps := []string{"start", "reasoning", "tool_call", "tool_result", "responding", "done"}
	for i, step := range steps {
		if _, err := store.Save(context.Background(), threadID, "user-1", step, []byte(`{}`), int32(i)); err != nil {
			t.Fatalf("Save(%q) error = %v", step, err)
		}
	}

	cp, err := store.Load(context.Background(), threadID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Version != int32(len(steps)) {
		t.Errorf("Load() version = %d, want %d", cp.Version, len(steps))
	}
	if cp.Step != "done" {
		t.Errorf("Load() step = %q, want %q", cp.Step, "done")
	}
}

func TestLoadEmptyThread(t *testing.T) {
	store := New(newMockQuerier(), nil)

	cp, err := store.Load(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp != nil {
		t.Errorf("Load() on empty thread = %+v, want nil", cp)
	}
}

func TestSaveError(t *testing.T) {
	q := newMockQuerier()
	q.insertErr = errors.New("connection refused")
	store := New(q, nil)

	_, err := store.Save(context.Background(), uuid.New(), "user-1", "reasoning", nil, 0)
	if err == nil {
		t.Fatal("Save() expected error, got nil")
	}
	if !errors.Is(err, q.insertErr) {
		t.Errorf("Save() error = %v, want wrapped %v", err, q.insertErr)
	}
}

func TestSaveClearedThread(t *testing.T) {
	q := newMockQuerier()
	store := New(q, nil)
	threadID := uuid.New()

	version, err := store.Save(context.Background(), threadID, "user-1", "reasoning", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A concurrent clear wipes the thread's history.
	q.mu.Lock()
	delete(q.checkpoints, threadID)
	q.mu.Unlock()

	_, err = store.Save(context.Background(), threadID, "user-1", "tool_call", []byte(`{}`), version)
	if !errors.Is(err, ErrThreadCleared) {
		t.Fatalf("Save() after clear error = %v, want ErrThreadCleared", err)
	}
	if len(q.checkpoints[threadID]) != 0 {
		t.Errorf("Save() after clear wrote %d versions, want 0", len(q.checkpoints[threadID]))
	}
}

func TestInterrupted(t *testing.T) {
	q := newMockQuerier()
	store := New(q, nil)

	finished := uuid.New()
	stalled := uuid.New()

	for i, step := range []string{"start", "reasoning", "done"} {
		if _, err := store.Save(context.Background(), finished, "user-1", step, []byte(`{}`), int32(i)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	for i, step := range []string{"start", "reasoning", "tool_call"} {
		if _, err := store.Save(context.Background(), stalled, "user-2", step, []byte(`{}`), int32(i)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	refs, err := store.Interrupted(context.Background(), "done")
	if err != nil {
		t.Fatalf("Interrupted() error = %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("Interrupted() returned %d threads, want 1", len(refs))
	}
	if refs[0].ThreadID != stalled {
		t.Errorf("Interrupted() thread = %s, want %s", refs[0].ThreadID, stalled)
	}
	if refs[0].UserID != "user-2" {
		t.Errorf("Interrupted() userID = %q, want %q", refs[0].UserID, "user-2")
	}
}

func TestInterruptedNone(t *testing.T) {
	q := newMockQuerier()
	store := New(q, nil)
	threadID := uuid.New()

	if _, err := store.Save(context.Background(), threadID, "user-1", "done", []byte(`{}`), 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	refs, err := store.Interrupted(context.Background(), "done")
	if err != nil {
		t.Fatalf("Interrupted() error = %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("Interrupted() returned %d threads, want 0", len(refs))
	}
}
