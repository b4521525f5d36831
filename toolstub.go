package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// BuiltinProvider exposes the always-available local tools.
type BuiltinProvider struct {
	now func() time.Time
}

// NewBuiltinProvider creates the builtin tool provider.
func NewBuiltinProvider() *BuiltinProvider {
	return &BuiltinProvider{now: time.Now}
}

var _ ToolProvider = (*BuiltinProvider)(nil)

func (p *BuiltinProvider) ID() string { return "builtin" }

func (p *BuiltinProvider) ListTools(ctx context.Context) ([]ToolMeta, error) {
	return []ToolMeta{
		{
			Name:            "builtin.echo",
			Description:     "Echo the given arguments back unchanged.",
			InputSchema:     json.RawMessage(`{"type":"object"}`),
			ProviderID:      "builtin",
			RiskLevel:       RiskReadOnly,
			CapabilityLevel: CapL0,
		},
		{
			Name:            "builtin.time",
			Description:     "Return the current time in RFC 3339 form.",
			InputSchema:     json.RawMessage(`{"type":"object","properties":{}}`),
			ProviderID:      "builtin",
			RiskLevel:       RiskReadOnly,
			CapabilityLevel: CapL0,
		},
	}, nil
}

func (p *BuiltinProvider) Invoke(ctx context.Context, tc *TaskContext, name string, args map[string]any) (any, error) {
	switch name {
	case "builtin.echo":
		return map[string]any{"echo": args}, nil
	case "builtin.time":
		return map[string]any{"now": p.now().UTC().Format(time.RFC3339)}, nil
	}
	return nil, Ef(CodeToolNotFound, "tool %q is not available", name)
}

func (p *BuiltinProvider) Close() error { return nil }

// StubProvider serves deterministic web.search and web.fetch results so the
// system works end to end with zero network configuration. A configured web
// backend shadows it through catalog order.
type StubProvider struct{}

// NewStubProvider creates the deterministic stub provider.
func NewStubProvider() *StubProvider { return &StubProvider{} }

var _ ToolProvider = (*StubProvider)(nil)

func (p *StubProvider) ID() string { return "stub" }

func (p *StubProvider) ListTools(ctx context.Context) ([]ToolMeta, error) {
	return []ToolMeta{
		{
			Name:            "web.search",
			Description:     "Search the web and return ranked result items.",
			InputSchema:     json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"max_results":{"type":"integer"}},"required":["query"]}`),
			ProviderID:      "stub",
			RiskLevel:       RiskReadOnly,
			CapabilityLevel: CapL0,
		},
		{
			Name:            "web.fetch",
			Description:     "Fetch a URL and return extracted text.",
			InputSchema:     json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
			ProviderID:      "stub",
			RiskLevel:       RiskReadOnly,
			CapabilityLevel: CapL0,
		},
	}, nil
}

func (p *StubProvider) Invoke(ctx context.Context, tc *TaskContext, name string, args map[string]any) (any, error) {
	switch name {
	case "web.search":
		query, _ := args["query"].(string)
		if query == "" {
			return nil, E(CodeInvalidInput, "query must be a non-empty string")
		}
		n := 3
		if raw, ok := args["max_results"]; ok {
			if v, ok := asInt(raw); ok && v >= 1 && v <= 10 {
				n = v
			}
		}
		items := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, map[string]any{
				"title":    stubTitle(query, i),
				"url":      stubURL(query, i),
				"snippet":  "Deterministic stub result for " + query + ".",
				"provider": "stub",
				"rank":     i + 1,
			})
		}
		return map[string]any{"items": items, "provider": "stub", "query": query}, nil
	case "web.fetch":
		u, _ := args["url"].(string)
		if u == "" {
			return nil, E(CodeInvalidInput, "url must be a non-empty string")
		}
		text := "Deterministic stub content for " + u + "."
		return map[string]any{
			"url":               u,
			"status_code":       200,
			"content_type":      "text/html",
			"text":              text,
			"extracted_text":    text,
			"extraction_method": "stub",
			"paragraphs_count":  1,
			"truncated":         false,
		}, nil
	}
	return nil, Ef(CodeToolNotFound, "tool %q is not available", name)
}

func (p *StubProvider) Close() error { return nil }

func stubTitle(query string, i int) string {
	return "Result " + string(rune('1'+i)) + " for " + query
}

func stubURL(query string, i int) string {
	return "https://example.com/" + slugify(query) + "/" + string(rune('1'+i))
}

// slugify lowercases and replaces non-alphanumerics with dashes.
func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else if len(out) > 0 && out[len(out)-1] != '-' {
			out = append(out, '-')
		}
	}
	return strings.Trim(string(out), "-")
}

// asInt coerces JSON numbers (float64 after decoding) and ints.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
