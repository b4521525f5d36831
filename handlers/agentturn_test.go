package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/nevindra/relay"
)

// turnStore serves the orchestrator's child runs. Created runs finalize
// immediately unless stuck is set, in which case they stay queued.
type turnStore struct {
	relay.RunStore
	mu    sync.Mutex
	runs  map[string]*relay.Run
	stuck bool
}

func newTurnStore() *turnStore {
	return &turnStore{runs: make(map[string]*relay.Run)}
}

func (s *turnStore) CreateRun(ctx context.Context, run *relay.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = relay.NewID()
	}
	stored := *run
	if !s.stuck {
		stored.Status = relay.StatusSucceeded
		stored.Output = &relay.TaskResult{
			Version: relay.TaskResultVersion,
			OK:      true,
			Result:  map[string]any{"observation": "child done"},
		}
	} else {
		stored.Status = relay.StatusQueued
	}
	s.runs[run.ID] = &stored
	return nil
}

func (s *turnStore) GetRun(ctx context.Context, id string) (*relay.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r, nil
	}
	return nil, relay.ErrRunNotFound
}

type seqLLM struct {
	outputs []string
	calls   int
}

func (l *seqLLM) Name() string { return "seq" }

func (l *seqLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return l.GenerateMessages(ctx, nil)
}

func (l *seqLLM) GenerateMessages(ctx context.Context, messages []relay.LLMMessage) (string, error) {
	i := l.calls
	if i >= len(l.outputs) {
		i = len(l.outputs) - 1
	}
	l.calls++
	return l.outputs[i], nil
}

func TestAgentTurnRepliesAndStampsChildren(t *testing.T) {
	store := newTurnStore()
	llm := &seqLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
		`{"kind":"reply","reply":"all done"}`,
	}}
	h := NewAgentTurn(relay.NewOrchestrator(store, llm))

	run := &relay.Run{ID: "turn-1", Type: "agent_turn", ConversationID: "conv-1",
		Input: relay.Input{"message": "sleep for me"}}
	tc := newTaskContext(t, run)
	if err := h.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := tc.BuildOutput("agent_turn")
	if !out.OK {
		t.Fatalf("ok = false, error = %+v", out.Error)
	}
	if out.Result["reply"] != "all done" {
		t.Errorf("reply = %v", out.Result["reply"])
	}
	ids, _ := out.Result["run_ids"].([]string)
	if len(ids) != 1 {
		t.Fatalf("run_ids = %v", out.Result["run_ids"])
	}
	child, err := store.GetRun(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.Input.Str("parent_run_id") != "turn-1" {
		t.Errorf("parent_run_id = %q, want turn-1", child.Input.Str("parent_run_id"))
	}
	if child.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q", child.ConversationID)
	}
}

func TestAgentTurnYieldsWhileChildRuns(t *testing.T) {
	store := newTurnStore()
	store.stuck = true
	llm := &seqLLM{outputs: []string{`{"kind":"run","run":{"type":"sleep"}}`}}

	settings := relay.DefaultSettings()
	settings.ChildWaitTimeoutSecs = 1
	h := NewAgentTurn(relay.NewOrchestrator(store, llm,
		relay.WithOrchestratorSettings(settings)))

	run := &relay.Run{ID: "turn-2", Type: "agent_turn", Input: relay.Input{
		"message":         "slow work",
		"conversation_id": "conv-1",
	}}
	tc := newTaskContext(t, run)
	if err := h.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := tc.BuildOutput("agent_turn")
	if !out.Yielded {
		t.Error("yielded = false, want the turn suspended while the child runs")
	}
	if out.Error != nil {
		t.Errorf("error = %+v, want none on yield", out.Error)
	}
}

func TestAgentTurnRequiresMessage(t *testing.T) {
	h := NewAgentTurn(relay.NewOrchestrator(newTurnStore(), &seqLLM{outputs: []string{""}}))
	run := &relay.Run{Type: "agent_turn", Input: relay.Input{}}
	tc := newTaskContext(t, run)
	if err := h.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := tc.BuildOutput("agent_turn")
	if out.OK || out.Error.Code != relay.CodeInvalidInput {
		t.Errorf("error = %+v, want InvalidInput", out.Error)
	}
}
