// Package skills exposes sandboxed skills as catalog tools. The provider is
// an HTTP client against a skillbox endpoint; the registry and sandbox
// runner on the serving side live in the sandbox package.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/relay"
)

// Skill describes one installed skill as listed by the skillbox endpoint.
type Skill struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Runtime     string         `json:"runtime"`
	Interface   string         `json:"interface,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Limits      map[string]any `json:"limits,omitempty"`
}

// SkillsListError reports that the skill catalog endpoint could not be
// listed. Raised instead of silently degrading unless the fallback flag is
// set.
type SkillsListError struct {
	BaseURL string
	Reason  string
}

func (e *SkillsListError) Error() string {
	return fmt.Sprintf("list skills from %s: %s", e.BaseURL, e.Reason)
}

// Provider serves skill.<id> tools backed by the skillbox HTTP API. Every
// skill tool executes in a sandbox, so all are listed as L2 write tools.
type Provider struct {
	baseURL  string
	client   *http.Client
	fallback bool
	logger   *slog.Logger

	mu     sync.Mutex
	listed map[string]Skill
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithHTTPClient replaces the default client (tests).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates the skills provider. Returns nil when no base URL is
// configured.
func NewProvider(settings relay.Settings, opts ...ProviderOption) *Provider {
	if settings.SkillsBaseURL == "" {
		return nil
	}
	p := &Provider{
		baseURL:  strings.TrimRight(settings.SkillsBaseURL, "/"),
		client:   &http.Client{Timeout: 60 * time.Second},
		fallback: settings.SkillsListFallback,
		logger:   relay.NopLogger(),
		listed:   make(map[string]Skill),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ relay.ToolProvider = (*Provider)(nil)

func (p *Provider) ID() string { return "skills" }

// ListTools lists the installed skills as skill.<id> tools. When the
// endpoint is unreachable the provider either fails loudly with a
// SkillsListError or, under the explicit fallback flag, serves hardcoded
// python/shell placeholders. It never degrades to empty silently.
func (p *Provider) ListTools(ctx context.Context) ([]relay.ToolMeta, error) {
	skills, err := p.listSkills(ctx)
	if err != nil {
		if !p.fallback {
			return nil, err
		}
		p.logger.Warn("skill listing failed, serving fallback placeholders", "base_url", p.baseURL, "error", err)
		skills = fallbackSkills()
	}

	p.mu.Lock()
	p.listed = make(map[string]Skill, len(skills))
	for _, s := range skills {
		p.listed[s.ID] = s
	}
	p.mu.Unlock()

	tools := make([]relay.ToolMeta, 0, len(skills))
	for _, s := range skills {
		desc := s.Description
		if desc == "" {
			desc = s.Name
		}
		tools = append(tools, relay.ToolMeta{
			Name:            "skill." + s.ID,
			Description:     desc,
			ProviderID:      "skills",
			RiskLevel:       relay.RiskWrite,
			SideEffects:     true,
			CapabilityLevel: relay.CapL2,
		})
	}
	return tools, nil
}

// Invoke posts the arguments to the skill's invoke endpoint. project_id is
// derived from the run's conversation, falling back to the run id, so every
// exec lands in a stable per-conversation workspace.
func (p *Provider) Invoke(ctx context.Context, tc *relay.TaskContext, name string, args map[string]any) (any, error) {
	id, ok := strings.CutPrefix(name, "skill.")
	if !ok {
		return nil, relay.Ef(relay.CodeToolNotFound, "tool %q is not a skill", name)
	}
	if !p.knownSkill(ctx, id) {
		return nil, relay.Ef(relay.CodeToolNotFound, "skill %q is not installed", id)
	}

	payload := make(map[string]any, len(args)+1)
	for k, v := range args {
		payload[k] = v
	}
	if _, ok := payload["project_id"]; !ok {
		payload["project_id"] = projectID(tc)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode invoke payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/skills/"+id+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, relay.Ef(relay.CodeRuntimeError, "invoke skill %q: %v", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, invokeStatusErr(id, resp)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, relay.Ef(relay.CodeRuntimeError, "decode skill result: %v", err)
	}
	return result, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) listSkills(ctx context.Context) ([]Skill, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/skills", nil)
	if err != nil {
		return nil, &SkillsListError{BaseURL: p.baseURL, Reason: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &SkillsListError{BaseURL: p.baseURL, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &SkillsListError{BaseURL: p.baseURL, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	var skills []Skill
	if err := json.NewDecoder(resp.Body).Decode(&skills); err != nil {
		return nil, &SkillsListError{BaseURL: p.baseURL, Reason: "decode: " + err.Error()}
	}
	return skills, nil
}

// knownSkill gates invocation on the currently listed set, refreshing the
// catalog once when the cache is cold.
func (p *Provider) knownSkill(ctx context.Context, id string) bool {
	p.mu.Lock()
	_, ok := p.listed[id]
	empty := len(p.listed) == 0
	p.mu.Unlock()
	if ok || !empty {
		return ok
	}
	if _, err := p.ListTools(ctx); err != nil {
		return false
	}
	p.mu.Lock()
	_, ok = p.listed[id]
	p.mu.Unlock()
	return ok
}

func projectID(tc *relay.TaskContext) string {
	if tc == nil || tc.Run == nil {
		return ""
	}
	if conv := tc.Run.Input.Str("conversation_id"); conv != "" {
		return conv
	}
	return tc.Run.ID
}

// invokeStatusErr maps the skillbox HTTP contract back to coded errors:
// 403 policy denied, 400 invalid argument, 404 unknown skill, everything
// else a runtime failure. The response body may carry {code, message}.
func invokeStatusErr(id string, resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("skill %q invoke returned status %d", id, resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return relay.E(relay.CodePolicyDenied, msg)
	case http.StatusBadRequest:
		return relay.E(relay.CodeInvalidArgument, msg)
	case http.StatusNotFound:
		return relay.E(relay.CodeToolNotFound, msg)
	}
	if body.Code == relay.CodeSandboxTimeout {
		return relay.E(relay.CodeSandboxTimeout, msg)
	}
	return relay.E(relay.CodeRuntimeError, msg)
}

// fallbackSkills are the placeholders served when listing fails but the
// fallback flag allows degraded operation.
func fallbackSkills() []Skill {
	return []Skill{
		{ID: "python.run", Name: "Run Python", Description: "Execute a Python snippet in the sandbox.", Runtime: "python", Interface: "code"},
		{ID: "shell.run", Name: "Run Shell", Description: "Execute a shell script in the sandbox.", Runtime: "shell", Interface: "script"},
	}
}
