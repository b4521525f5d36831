package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/nevindra/relay"
)

// Provider exposes the tools of configured MCP servers through the catalog.
// Servers are spawned lazily on first use and shared across invocations.
type Provider struct {
	configs map[string]relay.MCPServerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates the MCP tool provider. Returns nil when no servers are
// configured.
func NewProvider(settings relay.Settings, opts ...ProviderOption) *Provider {
	if len(settings.MCPServers) == 0 {
		return nil
	}
	p := &Provider{
		configs: settings.MCPServers,
		logger:  relay.NopLogger(),
		clients: make(map[string]*Client),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ relay.ToolProvider = (*Provider)(nil)

func (p *Provider) ID() string { return "mcp" }

// ListTools aggregates tools/list across all configured servers, namespaced
// mcp.<server>.<tool>. Listing never fails: a server that cannot be spawned
// or listed is logged and skipped.
func (p *Provider) ListTools(ctx context.Context) ([]relay.ToolMeta, error) {
	var tools []relay.ToolMeta
	for name := range p.configs {
		client, err := p.clientFor(ctx, name)
		if err != nil {
			p.logger.Warn("mcp.list_tools.failed", "server", name, "error", err)
			continue
		}
		defs, err := client.ListTools(ctx)
		if err != nil {
			p.logger.Warn("mcp.list_tools.failed", "server", name, "error", err)
			continue
		}
		for _, def := range defs {
			schema, _ := json.Marshal(def.InputSchema)
			tools = append(tools, relay.ToolMeta{
				Name:            "mcp." + name + "." + def.Name,
				Description:     def.Description,
				InputSchema:     schema,
				ProviderID:      "mcp",
				RiskLevel:       relay.RiskUnknown,
				CapabilityLevel: relay.CapL1,
			})
		}
	}
	return tools, nil
}

// Invoke strips the mcp.<server>. prefix and forwards the call.
func (p *Provider) Invoke(ctx context.Context, tc *relay.TaskContext, name string, args map[string]any) (any, error) {
	server, tool, err := splitToolName(name)
	if err != nil {
		return nil, err
	}
	if _, ok := p.configs[server]; !ok {
		return nil, relay.Ef(relay.CodeToolNotFound, "mcp server %q is not configured", server)
	}
	client, err := p.clientFor(ctx, server)
	if err != nil {
		return nil, err
	}
	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, relay.Ef(relay.CodeRuntimeError, "mcp tool %s failed: %s", name, result.Text())
	}
	return map[string]any{"text": result.Text()}, nil
}

// Close shuts down all spawned servers. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := p.clients
	p.clients = nil
	p.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
			p.logger.Warn("mcp server close failed", "server", name, "error", err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) clientFor(ctx context.Context, name string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, relay.E(relay.CodeProviderClosed, "mcp provider is closed")
	}
	if c, ok := p.clients[name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	// Spawn outside the lock; a lost race just closes the extra client.
	cfg := p.configs[name]
	c, err := Spawn(ctx, name, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return nil, relay.E(relay.CodeProviderClosed, "mcp provider is closed")
	}
	if existing, ok := p.clients[name]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.clients[name] = c
	return c, nil
}

func splitToolName(name string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(name, "mcp.")
	if !ok {
		return "", "", relay.Ef(relay.CodeToolNotFound, "tool %q is not an mcp tool", name)
	}
	server, tool, ok = strings.Cut(rest, ".")
	if !ok || server == "" || tool == "" {
		return "", "", relay.Ef(relay.CodeToolNotFound, "malformed mcp tool name %q", name)
	}
	return server, tool, nil
}
