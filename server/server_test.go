package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/relay"
)

// memStore is a minimal in-memory RunStore for handler tests. Only the
// methods the HTTP surface touches have real behavior.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*relay.Run
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*relay.Run)}
}

func (s *memStore) CreateRun(ctx context.Context, run *relay.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) GetRun(ctx context.Context, id string) (*relay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, relay.ErrRunNotFound
	}
	return run, nil
}

func (s *memStore) ListRuns(ctx context.Context, status relay.RunStatus, limit, offset int) ([]*relay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relay.Run
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memStore) ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]*relay.Run, error) {
	return nil, nil
}

func (s *memStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*relay.Run, bool, error) {
	return nil, false, nil
}

func (s *memStore) Heartbeat(ctx context.Context, runID, workerID string, lease time.Duration, progress int) (bool, error) {
	return false, nil
}

func (s *memStore) CompleteSuccess(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	return false, nil
}

func (s *memStore) CompleteFailed(ctx context.Context, runID, workerID string, output *relay.TaskResult, errMsg string) (bool, error) {
	return false, nil
}

func (s *memStore) CompleteCanceled(ctx context.Context, runID, workerID string, output *relay.TaskResult) (bool, error) {
	return false, nil
}

func (s *memStore) Requeue(ctx context.Context, runID, workerID string) (bool, error) {
	return false, nil
}

func (s *memStore) Cancel(ctx context.Context, id, canceledBy, reason string) (*relay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, relay.ErrRunNotFound
	}
	if run.Status == relay.StatusCanceled {
		return run, nil
	}
	if run.Status.Terminal() {
		return nil, relay.ErrNotCancelable
	}
	run.Status = relay.StatusCanceled
	run.CanceledBy = canceledBy
	run.CancelReason = reason
	return run, nil
}

func (s *memStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return relay.ErrRunNotFound
	}
	if !run.Status.Terminal() {
		return relay.ErrNotTerminal
	}
	delete(s.runs, id)
	return nil
}

func (s *memStore) Close() error { return nil }

type memSink struct {
	mu    sync.Mutex
	saved []*relay.RunMessage
}

func (s *memSink) SaveRunMessage(ctx context.Context, msg *relay.RunMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.saved {
		if m.RunID == msg.RunID {
			return false, nil
		}
	}
	s.saved = append(s.saved, msg)
	return true, nil
}

type memFacts struct{ facts []relay.Fact }

func (s *memFacts) ListFacts(ctx context.Context, scope, status, sessionID, projectID string) ([]relay.Fact, error) {
	var out []relay.Fact
	for _, f := range s.facts {
		if scope != "" && f.Scope != scope {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		if sessionID != "" && f.SessionID != sessionID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func newTestServer(t *testing.T, store *memStore, opts ...Option) http.Handler {
	t.Helper()
	return New(store, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateAndGetRun(t *testing.T) {
	store := newMemStore()
	h := newTestServer(t, store)

	rec := do(t, h, http.MethodPost, "/runs", map[string]any{
		"type":            "sleep",
		"title":           "nap",
		"conversation_id": "conv-1",
		"input":           map[string]any{"seconds": 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[relay.Run](t, rec)
	if created.ID == "" || created.Status != relay.StatusQueued {
		t.Errorf("created = %+v", created)
	}
	if created.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q", created.ConversationID)
	}

	rec = do(t, h, http.MethodGet, "/runs/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[relay.Run](t, rec)
	if got.ID != created.ID || got.Type != "sleep" {
		t.Errorf("got = %+v", got)
	}
}

func TestCreateRunRejectsMissingType(t *testing.T) {
	h := newTestServer(t, newMemStore())
	rec := do(t, h, http.MethodPost, "/runs", map[string]any{"input": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateRunUnknownParentIs404(t *testing.T) {
	h := newTestServer(t, newMemStore())
	rec := do(t, h, http.MethodPost, "/runs", map[string]any{
		"type":          "sleep",
		"parent_run_id": "nope",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetRunNotFound(t *testing.T) {
	h := newTestServer(t, newMemStore())
	if rec := do(t, h, http.MethodGet, "/runs/absent", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestListRunsRejectsUnknownStatus(t *testing.T) {
	h := newTestServer(t, newMemStore())
	if rec := do(t, h, http.MethodGet, "/runs?status=paused", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/runs?status=queued", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	store := newMemStore()
	run := relay.NewRun("sleep", "", relay.Input{})
	_ = store.CreateRun(context.Background(), run)
	h := newTestServer(t, store)

	rec := do(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", map[string]any{"reason": "changed my mind"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[relay.Run](t, rec)
	if got.Status != relay.StatusCanceled || got.CancelReason != "changed my mind" {
		t.Errorf("got = %+v", got)
	}

	// Cancel again: no-op success on an already-canceled run.
	if rec := do(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", nil); rec.Code != http.StatusOK {
		t.Errorf("repeat cancel status = %d", rec.Code)
	}
}

func TestCancelTerminalRunIs400(t *testing.T) {
	store := newMemStore()
	run := relay.NewRun("sleep", "", relay.Input{})
	run.Status = relay.StatusSucceeded
	_ = store.CreateRun(context.Background(), run)
	h := newTestServer(t, store)

	if rec := do(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	store := newMemStore()
	running := relay.NewRun("sleep", "", relay.Input{})
	running.Status = relay.StatusRunning
	done := relay.NewRun("sleep", "", relay.Input{})
	done.Status = relay.StatusSucceeded
	_ = store.CreateRun(context.Background(), running)
	_ = store.CreateRun(context.Background(), done)
	h := newTestServer(t, store)

	if rec := do(t, h, http.MethodDelete, "/runs/"+running.ID, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("non-terminal delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/runs/"+done.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/runs/"+done.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d", rec.Code)
	}
}

func TestEmitMessageEndpoint(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	emitter := relay.NewEmitter(store, sink, nil)

	run := relay.NewRun("sleep", "", relay.Input{"conversation_id": "conv-1"})
	run.Status = relay.StatusSucceeded
	run.Output = &relay.TaskResult{Version: relay.TaskResultVersion, OK: true, TaskType: "sleep"}
	_ = store.CreateRun(context.Background(), run)

	queued := relay.NewRun("sleep", "", relay.Input{})
	_ = store.CreateRun(context.Background(), queued)

	h := newTestServer(t, store, WithEmitter(emitter))

	if rec := do(t, h, http.MethodPost, "/internal/runs/"+run.ID+"/emit-message", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("emit status = %d: %s", rec.Code, rec.Body.String())
	}
	// Idempotent: second emit is still 204 and does not duplicate.
	if rec := do(t, h, http.MethodPost, "/internal/runs/"+run.ID+"/emit-message", nil); rec.Code != http.StatusNoContent {
		t.Errorf("repeat emit status = %d", rec.Code)
	}
	if len(sink.saved) != 1 {
		t.Errorf("saved %d messages", len(sink.saved))
	}
	if rec := do(t, h, http.MethodPost, "/internal/runs/"+queued.ID+"/emit-message", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("non-terminal emit status = %d", rec.Code)
	}
}

func TestActiveFactsMergesScopes(t *testing.T) {
	facts := &memFacts{facts: []relay.Fact{
		{ID: "g1", Key: "lang", Value: "go", Scope: "global", Status: "active"},
		{ID: "s1", Key: "lang", Value: "rust", Scope: "session", SessionID: "conv-1", Status: "active"},
		{ID: "g2", Key: "editor", Value: "vim", Scope: "global", Status: "active"},
	}}
	h := newTestServer(t, newMemStore(), WithFacts(facts, nil))

	rec := do(t, h, http.MethodGet, "/facts/active?session_id=conv-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[struct {
		Facts      []relay.Fact `json:"facts"`
		SnapshotID string       `json:"snapshot_id"`
	}](t, rec)
	if len(resp.Facts) != 2 {
		t.Fatalf("facts = %+v", resp.Facts)
	}
	byKey := map[string]relay.Fact{}
	for _, f := range resp.Facts {
		byKey[f.Key] = f
	}
	if byKey["lang"].ID != "s1" {
		t.Errorf("session fact should shadow global: %+v", byKey["lang"])
	}
	if resp.SnapshotID != relay.ComputeFactsSnapshotID(resp.Facts) {
		t.Error("snapshot id does not match the returned set")
	}
}

func TestHealthReportsSettings(t *testing.T) {
	h := newTestServer(t, newMemStore())
	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["status"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
	settings, _ := resp["settings"].(map[string]any)
	if settings["web_search_backend"] != "stub" {
		t.Errorf("settings = %+v", settings)
	}
}
