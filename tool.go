package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Risk levels for tools.
const (
	RiskReadOnly = "read_only"
	RiskWrite    = "write"
	RiskUnknown  = "unknown"
)

// Capability levels. L0 is pure/local, L1 touches the network read-only,
// L2 performs sandboxed side effects.
const (
	CapL0 = "L0"
	CapL1 = "L1"
	CapL2 = "L2"
)

// ToolMeta describes one named, typed capability resolved through the
// catalog.
type ToolMeta struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
	ProviderID      string          `json:"provider_id"`
	RiskLevel       string          `json:"risk_level"`
	SideEffects     bool            `json:"side_effects"`
	CapabilityLevel string          `json:"capability_level"`
	RequiresConfirm bool            `json:"requires_confirm"`
	TimeoutMS       int             `json:"timeout_ms,omitempty"`
}

// ToolProvider is a group of tools sharing one implementation (web, skills,
// builtin, stub, MCP).
type ToolProvider interface {
	// ID is the stable provider id referenced by the catalog order.
	ID() string
	// ListTools returns the provider's current tool set.
	ListTools(ctx context.Context) ([]ToolMeta, error)
	// Invoke executes one tool call. tc may be consulted for run-scoped
	// context (conversation id, settings snapshot).
	Invoke(ctx context.Context, tc *TaskContext, name string, args map[string]any) (any, error)
	// Close releases provider-owned resources. Must be idempotent.
	Close() error
}

// DefaultProviderOrder is the preferred resolution order: a configured web
// backend shadows builtin which shadows the deterministic stub, uniformly.
var DefaultProviderOrder = []string{"web", "skills", "mcp", "builtin", "stub"}

// Catalog maps tool names to providers with a preferred provider order.
// Per-provider tool lists are built lazily, cached, and degrade silently to
// empty on failure. The catalog is effectively immutable after boot.
type Catalog struct {
	mu        sync.Mutex
	providers map[string]ToolProvider
	order     []string
	cache     map[string][]ToolMeta
	logger    *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithProviderOrder overrides the preferred provider order.
func WithProviderOrder(order []string) CatalogOption {
	return func(c *Catalog) { c.order = order }
}

// WithCatalogLogger sets a structured logger.
func WithCatalogLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = l }
}

// NewCatalog creates a catalog over the given providers.
func NewCatalog(providers []ToolProvider, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		providers: map[string]ToolProvider{},
		order:     DefaultProviderOrder,
		cache:     map[string][]ToolMeta{},
		logger:    nopLogger,
	}
	for _, p := range providers {
		c.providers[p.ID()] = p
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// tools returns the cached tool list for a provider, building it on first
// use. Failures log and cache an empty list.
func (c *Catalog) tools(ctx context.Context, id string) []ToolMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	if list, ok := c.cache[id]; ok {
		return list
	}
	p, ok := c.providers[id]
	if !ok {
		return nil
	}
	list, err := p.ListTools(ctx)
	if err != nil {
		c.logger.Warn("provider list_tools failed, degrading to empty", "provider", id, "error", err)
		list = nil
	}
	c.cache[id] = list
	return list
}

// Resolve finds the tool meta and provider for name, honoring the preferred
// order: the earliest provider in the order that exposes name wins.
func (c *Catalog) Resolve(ctx context.Context, name string) (ToolMeta, ToolProvider, bool) {
	for _, id := range c.order {
		for _, meta := range c.tools(ctx, id) {
			if meta.Name == name {
				return meta, c.providers[id], true
			}
		}
	}
	return ToolMeta{}, nil, false
}

// List returns all resolvable tools in provider order, earliest provider
// winning on name collisions.
func (c *Catalog) List(ctx context.Context) []ToolMeta {
	seen := map[string]bool{}
	var out []ToolMeta
	for _, id := range c.order {
		for _, meta := range c.tools(ctx, id) {
			if seen[meta.Name] {
				continue
			}
			seen[meta.Name] = true
			out = append(out, meta)
		}
	}
	return out
}

// Close closes all providers. Errors are joined-by-logging, not returned:
// shutdown should not fail because one subprocess was already gone.
func (c *Catalog) Close() {
	for id, p := range c.providers {
		if err := p.Close(); err != nil {
			c.logger.Warn("provider close failed", "provider", id, "error", err)
		}
	}
}

// ToolRuntime invokes tools, wrapping each call in exactly one tool.<name>
// step on the task context.
type ToolRuntime struct {
	catalog *Catalog
	tracer  Tracer
	logger  *slog.Logger
}

// RuntimeOption configures a ToolRuntime.
type RuntimeOption func(*ToolRuntime)

// WithRuntimeTracer enables spans around tool invocations.
func WithRuntimeTracer(t Tracer) RuntimeOption {
	return func(r *ToolRuntime) { r.tracer = t }
}

// WithRuntimeLogger sets a structured logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *ToolRuntime) { r.logger = l }
}

// NewToolRuntime creates the runtime over a catalog.
func NewToolRuntime(catalog *Catalog, opts ...RuntimeOption) *ToolRuntime {
	r := &ToolRuntime{catalog: catalog, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Catalog returns the underlying catalog.
func (r *ToolRuntime) Catalog() *Catalog { return r.catalog }

// maxArgsPreview caps the args preview recorded in step meta.
const maxArgsPreview = 200

// Invoke resolves and executes one tool call inside a tool.<name> step.
// An unknown name fails the step with ToolNotFound.
func (r *ToolRuntime) Invoke(ctx context.Context, tc *TaskContext, name string, args map[string]any) (any, error) {
	var value any
	err := tc.Step(ctx, "tool."+name, func(meta map[string]any) error {
		meta["tool_name"] = name
		meta["args_preview"] = previewJSON(args, maxArgsPreview)

		toolMeta, provider, ok := r.catalog.Resolve(ctx, name)
		if !ok {
			return Ef(CodeToolNotFound, "tool %q is not available", name)
		}
		meta["provider_id"] = toolMeta.ProviderID
		meta["risk_level"] = toolMeta.RiskLevel
		meta["capability_level"] = toolMeta.CapabilityLevel

		invokeCtx := ctx
		if r.tracer != nil {
			var span Span
			invokeCtx, span = r.tracer.Start(ctx, "tool.invoke",
				StringAttr("tool", name),
				StringAttr("provider", toolMeta.ProviderID))
			defer span.End()
		}

		v, err := provider.Invoke(invokeCtx, tc, name, args)
		if err != nil {
			meta["result_preview"] = "(error)"
			return err
		}
		value = v
		meta["result_preview"] = previewJSON(v, maxArgsPreview)
		return nil
	})
	return value, err
}

// previewJSON renders v as a bounded JSON-safe preview string. It never
// panics and never fails: unmarshalable values degrade to fmt formatting.
func previewJSON(v any, n int) string {
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v), n)
	}
	return truncate(string(data), n)
}
