package relay

import (
	"context"
	"strings"
	"testing"
	"time"
)

// autoCompleteStore finalizes every created run immediately so the child
// wait loop returns on its first poll.
type autoCompleteStore struct {
	*fakeRunStore
	observation string
	fail        bool
}

func (s *autoCompleteStore) CreateRun(ctx context.Context, run *Run) error {
	if err := s.fakeRunStore.CreateRun(ctx, run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.runs[run.ID]
	if s.fail {
		stored.Status = StatusFailed
		stored.Output = &TaskResult{
			Version: TaskResultVersion,
			Error:   &TaskError{Code: CodeRuntimeError, Message: "backend down"},
		}
		return nil
	}
	stored.Status = StatusSucceeded
	stored.Output = &TaskResult{
		Version: TaskResultVersion,
		OK:      true,
		Result:  map[string]any{"observation": s.observation},
	}
	return nil
}

func newTestOrchestrator(store RunStore, llm LLM, opts ...OrchestratorOption) *Orchestrator {
	opts = append([]OrchestratorOption{withOrchestratorPoll(time.Millisecond)}, opts...)
	return NewOrchestrator(store, llm, opts...)
}

func TestRunTurnPlainReply(t *testing.T) {
	o := newTestOrchestrator(newFakeRunStore(), &scriptedLLM{outputs: []string{
		`{"kind":"reply","reply":"42"}`,
	}})
	res, err := o.RunTurn(context.Background(), "conv-1", "what is the answer?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "42" || res.Steps != 1 || len(res.RunIDs) != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestRunTurnRunThenReply(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), observation: "found 3 sources"}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"research_report","input":{"query":"go gc"}}}`,
		`{"kind":"reply","reply":"Here is what I found."}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurn(context.Background(), "conv-1", "research go gc")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "Here is what I found." || res.Steps != 2 || len(res.RunIDs) != 1 {
		t.Fatalf("res = %+v", res)
	}

	child, err := store.GetRun(context.Background(), res.RunIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.ConversationID != "conv-1" || child.Type != "research_report" {
		t.Errorf("child = %+v", child)
	}
	if child.Input.Map("settings_snapshot") == nil {
		t.Error("child run missing settings snapshot")
	}
	if !ValidTraceID(child.Input.Str("trace_id")) {
		t.Errorf("trace_id = %q", child.Input.Str("trace_id"))
	}
}

func TestRunTurnReplyAndRunReturnsImmediately(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), observation: "done"}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"reply_and_run","reply":"Starting that now.","run":{"type":"sleep"}}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurn(context.Background(), "conv-1", "sleep a bit")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "Starting that now." || len(res.RunIDs) != 1 || res.Steps != 1 {
		t.Errorf("res = %+v", res)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d", llm.calls)
	}
}

func TestRunTurnFromRunStampsParent(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), observation: "done"}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
		`{"kind":"reply","reply":"done"}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurnFromRun(context.Background(), "run-parent", "conv-1", "sleep")
	if err != nil {
		t.Fatalf("RunTurnFromRun: %v", err)
	}
	child, err := store.GetRun(context.Background(), res.RunIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentRunID != "run-parent" || child.Input.Str("parent_run_id") != "run-parent" {
		t.Errorf("parent_run_id = %q / %q", child.ParentRunID, child.Input.Str("parent_run_id"))
	}
}

func TestRunTurnHTTPChildrenHaveNoParent(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), observation: "done"}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
		`{"kind":"reply","reply":"done"}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurn(context.Background(), "conv-1", "sleep")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	child, _ := store.GetRun(context.Background(), res.RunIDs[0])
	if child.Input.Str("parent_run_id") != "" {
		t.Errorf("parent_run_id = %q, want empty", child.Input.Str("parent_run_id"))
	}
}

func TestRunTurnChildWaitCeilingIsTimeout(t *testing.T) {
	// The store never finalizes, so the wait ceiling must trip. The clock
	// jumps past the ceiling on the second reading.
	now := time.Now()
	polls := 0
	clock := func() time.Time {
		polls++
		if polls > 1 {
			return now.Add(2 * time.Minute)
		}
		return now
	}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
	}}
	o := newTestOrchestrator(newFakeRunStore(), llm, withOrchestratorClock(clock))

	_, err := o.RunTurn(context.Background(), "conv-1", "sleep forever")
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if !strings.Contains(err.Error(), "still running") {
		t.Errorf("message = %q, want it to say the task is still running", err.Error())
	}
}

func TestRunTurnObservationFeedsBack(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), fail: true}
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
		`{"kind":"reply","reply":"The task failed, sorry."}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurn(context.Background(), "conv-1", "do the thing")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "The task failed, sorry." {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRunTurnDisallowedRunType(t *testing.T) {
	o := newTestOrchestrator(newFakeRunStore(), &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"edit_docs_apply"}}`,
	}})
	res, err := o.RunTurn(context.Background(), "conv-1", "edit my docs")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.RunIDs) != 0 {
		t.Error("disallowed run type started a run")
	}
	if !strings.Contains(res.Reply, "edit_docs_apply") {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRunTurnStepBudgetExhaustion(t *testing.T) {
	store := &autoCompleteStore{fakeRunStore: newFakeRunStore(), observation: "ok"}
	// The model keeps asking for runs; the loop must stop at the budget.
	llm := &scriptedLLM{outputs: []string{
		`{"kind":"run","run":{"type":"sleep"}}`,
	}}
	o := newTestOrchestrator(store, llm)

	res, err := o.RunTurn(context.Background(), "conv-1", "loop forever")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Steps != defaultMaxSteps {
		t.Errorf("steps = %d", res.Steps)
	}
	if res.Reply == "" {
		t.Error("budget exhaustion must still produce a reply")
	}
}

func TestRunTurnDisabledLoop(t *testing.T) {
	settings := DefaultSettings()
	settings.AgentLoop.Enabled = false
	o := newTestOrchestrator(newFakeRunStore(), StubLLM{}, WithOrchestratorSettings(settings))

	_, err := o.RunTurn(context.Background(), "conv-1", "hello")
	if CodeOf(err) != CodeInvalidInput {
		t.Errorf("err = %v", err)
	}
}

func TestSystemPromptCarriesFacts(t *testing.T) {
	src := NewStoreFactSource(sliceFactStore{facts: []Fact{
		{ID: "f1", Key: "lang", Value: "go", Scope: ScopeGlobal, Status: FactStatusActive},
	}}, nil)
	o := newTestOrchestrator(newFakeRunStore(), StubLLM{}, WithOrchestratorFacts(src))

	prompt := o.systemPrompt(context.Background(), "conv-1")
	if !strings.Contains(prompt, "Active facts:") || !strings.Contains(prompt, "- lang: go") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "research_report") {
		t.Errorf("allowed run types missing: %q", prompt)
	}
}
