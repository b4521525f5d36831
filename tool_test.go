package relay

import (
	"context"
	"errors"
	"testing"
)

// namedProvider serves a fixed tool set under a given provider id.
type namedProvider struct {
	id      string
	tools   []ToolMeta
	listErr error
	result  any
	calls   int
}

func (p *namedProvider) ID() string { return p.id }

func (p *namedProvider) ListTools(ctx context.Context) ([]ToolMeta, error) {
	p.calls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.tools, nil
}

func (p *namedProvider) Invoke(ctx context.Context, tc *TaskContext, name string, args map[string]any) (any, error) {
	return p.result, nil
}

func (p *namedProvider) Close() error { return nil }

func toolNamed(name, providerID string) ToolMeta {
	return ToolMeta{Name: name, ProviderID: providerID, RiskLevel: RiskReadOnly, CapabilityLevel: CapL1}
}

func TestCatalogEarliestProviderWins(t *testing.T) {
	web := &namedProvider{id: "web", tools: []ToolMeta{toolNamed("web.search", "web")}, result: "from-web"}
	stub := &namedProvider{id: "stub", tools: []ToolMeta{toolNamed("web.search", "stub"), toolNamed("builtin.echo", "stub")}, result: "from-stub"}
	c := NewCatalog([]ToolProvider{stub, web})

	meta, provider, ok := c.Resolve(context.Background(), "web.search")
	if !ok || meta.ProviderID != "web" || provider != ToolProvider(web) {
		t.Errorf("resolved %+v via %v", meta, provider)
	}

	list := c.List(context.Background())
	names := map[string]string{}
	for _, m := range list {
		names[m.Name] = m.ProviderID
	}
	if names["web.search"] != "web" || names["builtin.echo"] != "stub" {
		t.Errorf("list = %+v", names)
	}
}

func TestCatalogCachesToolLists(t *testing.T) {
	p := &namedProvider{id: "web", tools: []ToolMeta{toolNamed("web.search", "web")}}
	c := NewCatalog([]ToolProvider{p})

	for i := 0; i < 3; i++ {
		if _, _, ok := c.Resolve(context.Background(), "web.search"); !ok {
			t.Fatal("resolve failed")
		}
	}
	if p.calls != 1 {
		t.Errorf("ListTools called %d times", p.calls)
	}
}

func TestCatalogDegradesFailedListToEmpty(t *testing.T) {
	broken := &namedProvider{id: "web", listErr: errors.New("backend down")}
	stub := &namedProvider{id: "stub", tools: []ToolMeta{toolNamed("web.search", "stub")}, result: "ok"}
	c := NewCatalog([]ToolProvider{broken, stub})

	meta, _, ok := c.Resolve(context.Background(), "web.search")
	if !ok || meta.ProviderID != "stub" {
		t.Errorf("resolved %+v ok=%v", meta, ok)
	}
}

func TestRuntimeInvokeWrapsOneStep(t *testing.T) {
	catalog := NewCatalog([]ToolProvider{NewStubProvider()})
	rt := NewToolRuntime(catalog)
	tc := NewTaskContext(NewRun("research_report", "", Input{}))

	v, err := rt.Invoke(context.Background(), tc, "web.search", map[string]any{"query": "go"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v == nil {
		t.Fatal("nil result")
	}
	steps := tc.Steps()
	if len(steps) != 1 || steps[0].Name != "tool.web.search" || !steps[0].OK {
		t.Fatalf("steps = %+v", steps)
	}
	meta := steps[0].Meta
	if meta["provider_id"] != "stub" || meta["tool_name"] != "web.search" {
		t.Errorf("meta = %+v", meta)
	}
	if meta["result_preview"] == nil || meta["args_preview"] == nil {
		t.Errorf("previews missing: %+v", meta)
	}
}

func TestRuntimeInvokeUnknownTool(t *testing.T) {
	rt := NewToolRuntime(NewCatalog(nil))
	tc := NewTaskContext(NewRun("sleep", "", Input{}))

	_, err := rt.Invoke(context.Background(), tc, "nope", nil)
	if CodeOf(err) != CodeToolNotFound {
		t.Errorf("code = %q", CodeOf(err))
	}
	steps := tc.Steps()
	if len(steps) != 1 || steps[0].OK || *steps[0].ErrorCode != CodeToolNotFound {
		t.Errorf("steps = %+v", steps)
	}
}

func TestPreviewJSONBounds(t *testing.T) {
	long := map[string]any{"text": string(make([]byte, 1000))}
	if got := previewJSON(long, maxArgsPreview); len(got) > maxArgsPreview {
		t.Errorf("preview length = %d", len(got))
	}
}
