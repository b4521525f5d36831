package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/relay"
)

// Instruments built without Init use the no-op global providers, so the
// wrappers must behave transparently.

func noopInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return inst
}

func TestWrapLLMPassesThrough(t *testing.T) {
	inst := noopInstruments(t)
	llm := WrapLLM(relay.StubLLM{}, inst)

	if llm.Name() != "stub" {
		t.Errorf("name = %q", llm.Name())
	}
	out, err := llm.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out == "" {
		t.Error("empty completion")
	}
	out, err = llm.GenerateMessages(context.Background(), []relay.LLMMessage{{Role: "user", Content: "hi"}})
	if err != nil || out == "" {
		t.Errorf("GenerateMessages: %q, %v", out, err)
	}
}

type failingProvider struct{ relay.StubProvider }

func (*failingProvider) Invoke(ctx context.Context, tc *relay.TaskContext, name string, args map[string]any) (any, error) {
	return nil, relay.E(relay.CodeNetworkError, "down")
}

func TestWrapProviderPreservesErrors(t *testing.T) {
	inst := noopInstruments(t)
	p := WrapProvider(&failingProvider{}, inst)

	if p.ID() != "stub" {
		t.Errorf("id = %q", p.ID())
	}
	tools, err := p.ListTools(context.Background())
	if err != nil || len(tools) == 0 {
		t.Errorf("ListTools: %d tools, %v", len(tools), err)
	}
	_, err = p.Invoke(context.Background(), nil, "web.search", map[string]any{"query": "x"})
	if relay.CodeOf(err) != relay.CodeNetworkError {
		t.Errorf("code = %q", relay.CodeOf(err))
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestTracerSpansAreUsable(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "run.execute",
		relay.StringAttr("run.type", "sleep"),
		relay.IntAttr("attempt", 1),
		relay.BoolAttr("retry", false),
		relay.Float64Attr("progress", 0.5))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.SetAttr(relay.StringAttr("run.status", "succeeded"))
	span.Event("claimed", relay.StringAttr("worker", "w-1"))
	span.Error(errors.New("boom"))
	span.End()
}

func TestRunCompletedRecords(t *testing.T) {
	inst := noopInstruments(t)
	inst.RunCompleted(context.Background(), "research_report", "succeeded", 120)
	inst.SandboxExecFinished(context.Background(), "python.run", "SUCCEEDED")
}
