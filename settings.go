package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Trace verbosity levels for the rendered trace carried in envelopes.
const (
	TraceOff   = "OFF"
	TraceBasic = "BASIC"
	TraceFull  = "FULL"
)

// LLMSettings selects and tunes the model provider.
type LLMSettings struct {
	Provider    string  `json:"provider" toml:"provider"`
	BaseURL     string  `json:"base_url,omitempty" toml:"base_url"`
	APIKey      string  `json:"-" toml:"api_key"`
	Model       string  `json:"model,omitempty" toml:"model"`
	Temperature float64 `json:"temperature,omitempty" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" toml:"max_tokens"`
	TimeoutMS   int     `json:"timeout_ms,omitempty" toml:"timeout_ms"`
	MaxRetries  int     `json:"max_retries,omitempty" toml:"max_retries"`
}

// WebSearchSettings selects the search backend.
type WebSearchSettings struct {
	Backend        string `json:"backend" toml:"backend"`
	TimeoutMS      int    `json:"timeout_ms" toml:"timeout_ms"`
	SearXNGBaseURL string `json:"searxng_base_url,omitempty" toml:"searxng_base_url"`
	BochaAPIKey    string `json:"-" toml:"bocha_api_key"`
}

// WebFetchSettings selects the fetch backend and its limits.
type WebFetchSettings struct {
	Backend   string `json:"backend" toml:"backend"`
	TimeoutMS int    `json:"timeout_ms" toml:"timeout_ms"`
	MaxBytes  int64  `json:"max_bytes" toml:"max_bytes"`
	UserAgent string `json:"user_agent,omitempty" toml:"user_agent"`
	Proxy     string `json:"proxy,omitempty" toml:"proxy"`
}

// SandboxSettings are the baseline execution limits, below manifest and
// per-request layers.
type SandboxSettings struct {
	Image              string   `json:"image" toml:"image"`
	TimeoutSeconds     int      `json:"timeout_seconds" toml:"timeout_seconds"`
	MemoryMB           int      `json:"memory_mb" toml:"memory_mb"`
	CPUs               float64  `json:"cpus" toml:"cpus"`
	NetMode            string   `json:"net_mode" toml:"net_mode"`
	MaxStdoutBytes     int64    `json:"max_stdout_bytes" toml:"max_stdout_bytes"`
	MaxConcurrentExecs int      `json:"max_concurrent_execs" toml:"max_concurrent_execs"`
	PublishPorts       []string `json:"publish_ports,omitempty" toml:"publish_ports"`
}

// MCPServerConfig describes one stdio MCP server to spawn. Tools are
// namespaced mcp.<name>.<tool>.
type MCPServerConfig struct {
	Command string            `json:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" toml:"args"`
	Env     map[string]string `json:"env,omitempty" toml:"env"`
}

// AgentLoopSettings gate the conversational orchestrator.
type AgentLoopSettings struct {
	Enabled                bool     `json:"enabled" toml:"enabled"`
	AllowedRunTypes        []string `json:"allowed_run_types" toml:"allowed_run_types"`
	DecisionTimeoutSeconds int      `json:"decision_timeout_seconds" toml:"decision_timeout_seconds"`
}

// Settings is the effective runtime configuration: defaults overlaid by
// environment, overlaid by the DB-backed settings store.
type Settings struct {
	RunLeaseSeconds      int    `json:"run_lease_seconds" toml:"run_lease_seconds"`
	RunHeartbeatSeconds  int    `json:"run_heartbeat_seconds" toml:"run_heartbeat_seconds"`
	RunPollSeconds       int    `json:"run_poll_seconds" toml:"run_poll_seconds"`
	RunMaxAttempts       int    `json:"run_max_attempts" toml:"run_max_attempts"`
	FactsLimit           int    `json:"facts_limit" toml:"facts_limit"`
	ChildWaitTimeoutSecs int    `json:"child_wait_timeout_seconds" toml:"child_wait_timeout_seconds"`
	ResearchMaxSources   int    `json:"research_max_sources" toml:"research_max_sources"`
	SkillsRoot           string `json:"skills_root,omitempty" toml:"skills_root"`
	RepoRoot             string `json:"repo_root,omitempty" toml:"repo_root"`
	SkillsBaseURL        string `json:"skills_base_url,omitempty" toml:"skills_base_url"`
	SkillsListFallback   bool   `json:"skills_list_fallback" toml:"skills_list_fallback"`
	TraceVerbosity       string `json:"trace_verbosity" toml:"trace_verbosity"`

	LLM        LLMSettings                `json:"llm" toml:"llm"`
	WebSearch  WebSearchSettings          `json:"web_search" toml:"web_search"`
	WebFetch   WebFetchSettings           `json:"web_fetch" toml:"web_fetch"`
	Sandbox    SandboxSettings            `json:"sandbox" toml:"sandbox"`
	AgentLoop  AgentLoopSettings          `json:"agent_loop" toml:"agent_loop"`
	MCPServers map[string]MCPServerConfig `json:"mcp_servers,omitempty" toml:"mcp_servers"`
}

// DefaultSettings returns the baseline configuration used when nothing is
// configured: stub backends everywhere, so the daemon works offline.
func DefaultSettings() Settings {
	return Settings{
		RunLeaseSeconds:      60,
		RunHeartbeatSeconds:  20,
		RunPollSeconds:       1,
		RunMaxAttempts:       3,
		FactsLimit:           DefaultFactsLimit,
		ChildWaitTimeoutSecs: 60,
		ResearchMaxSources:   2,
		SkillsListFallback:   true,
		TraceVerbosity:       TraceBasic,
		LLM: LLMSettings{
			Provider:    "stub",
			Temperature: 0.7,
			MaxTokens:   2048,
			TimeoutMS:   60000,
			MaxRetries:  2,
		},
		WebSearch: WebSearchSettings{
			Backend:   "stub",
			TimeoutMS: 10000,
		},
		WebFetch: WebFetchSettings{
			Backend:   "stub",
			TimeoutMS: 15000,
			MaxBytes:  5 << 20,
			UserAgent: "relay/1.0",
		},
		Sandbox: SandboxSettings{
			Image:              "python:3.12-slim",
			TimeoutSeconds:     30,
			MemoryMB:           512,
			CPUs:               1,
			NetMode:            "none",
			MaxStdoutBytes:     256 << 10,
			MaxConcurrentExecs: 2,
		},
		AgentLoop: AgentLoopSettings{
			Enabled:                true,
			AllowedRunTypes:        []string{"research_report", "summarize_conversation", "run_code_snippet", "sleep"},
			DecisionTimeoutSeconds: 30,
		},
	}
}

// Known backend names. Unknown configured names fall back to stub with a
// warning rather than failing boot.
var (
	knownSearchBackends = map[string]bool{"stub": true, "duckduckgo": true, "searxng": true, "baidu": true, "bocha": true}
	knownFetchBackends  = map[string]bool{"stub": true, "http": true}
	knownLLMProviders   = map[string]bool{"stub": true, "openai": true, "qwen": true, "ollama": true}
)

// ApplyEnv overlays environment variables onto s. Unset variables leave the
// current value; malformed numbers are ignored with a warning.
func (s *Settings) ApplyEnv(logger *slog.Logger) {
	if logger == nil {
		logger = nopLogger
	}
	envInt(&s.RunLeaseSeconds, "RUN_LEASE_SECONDS", logger)
	envInt(&s.RunHeartbeatSeconds, "RUN_HEARTBEAT_SECONDS", logger)
	envInt(&s.RunPollSeconds, "RUN_POLL_SECONDS", logger)
	envInt(&s.RunMaxAttempts, "RUN_MAX_ATTEMPTS", logger)
	envStr(&s.TraceVerbosity, "TRACE_VERBOSITY")
	envStr(&s.SkillsRoot, "SKILLS_ROOT")
	envStr(&s.RepoRoot, "REPO_ROOT")
	envStr(&s.SkillsBaseURL, "SKILLS_BASE_URL")

	envStr(&s.LLM.Provider, "LLM_PROVIDER")
	envStr(&s.LLM.BaseURL, "LLM_BASE_URL")
	envStr(&s.LLM.APIKey, "LLM_API_KEY")
	envStr(&s.LLM.Model, "LLM_MODEL")

	envStr(&s.WebSearch.Backend, "WEB_SEARCH_BACKEND")
	envStr(&s.WebSearch.SearXNGBaseURL, "SEARXNG_BASE_URL")
	envStr(&s.WebSearch.BochaAPIKey, "BOCHA_API_KEY")
	envStr(&s.WebFetch.Backend, "WEB_FETCH_BACKEND")
	envStr(&s.WebFetch.Proxy, "WEB_FETCH_PROXY")

	envStr(&s.Sandbox.Image, "SANDBOX_IMAGE")
	envInt(&s.Sandbox.TimeoutSeconds, "SANDBOX_TIMEOUT_SECONDS", logger)
	envStr(&s.Sandbox.NetMode, "SANDBOX_NET_MODE")

	s.Normalize(logger)
}

// Normalize clamps unknown backend and provider names back to stub.
func (s *Settings) Normalize(logger *slog.Logger) {
	if logger == nil {
		logger = nopLogger
	}
	if !knownSearchBackends[s.WebSearch.Backend] {
		logger.Warn("unknown web search backend, using stub", "backend", s.WebSearch.Backend)
		s.WebSearch.Backend = "stub"
	}
	if !knownFetchBackends[s.WebFetch.Backend] {
		logger.Warn("unknown web fetch backend, using stub", "backend", s.WebFetch.Backend)
		s.WebFetch.Backend = "stub"
	}
	if !knownLLMProviders[s.LLM.Provider] {
		logger.Warn("unknown llm provider, using stub", "provider", s.LLM.Provider)
		s.LLM.Provider = "stub"
	}
	switch strings.ToUpper(s.TraceVerbosity) {
	case TraceOff, TraceBasic, TraceFull:
		s.TraceVerbosity = strings.ToUpper(s.TraceVerbosity)
	default:
		s.TraceVerbosity = TraceBasic
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string, logger *slog.Logger) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("ignoring malformed env value", "key", key, "value", v)
		return
	}
	*dst = n
}

// SettingsStore persists operator-set overrides as JSON values keyed by
// dotted setting names.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error
	ListSettings(ctx context.Context) (map[string]json.RawMessage, error)
}

// EffectiveSettings resolves the layered configuration: defaults, then
// environment, then DB overrides. A nil store skips the last layer.
func EffectiveSettings(ctx context.Context, store SettingsStore, logger *slog.Logger) Settings {
	s := DefaultSettings()
	s.ApplyEnv(logger)
	if store == nil {
		return s
	}
	overrides, err := store.ListSettings(ctx)
	if err != nil {
		if logger != nil {
			logger.Warn("settings store unavailable, using env layer", "error", err)
		}
		return s
	}
	s.applyOverrides(overrides, logger)
	s.Normalize(logger)
	return s
}

// applyOverrides merges DB values onto s. Values are full-section JSON
// objects keyed by section name plus a handful of scalar keys.
func (s *Settings) applyOverrides(overrides map[string]json.RawMessage, logger *slog.Logger) {
	if logger == nil {
		logger = nopLogger
	}
	for key, raw := range overrides {
		var err error
		switch key {
		case "llm":
			err = json.Unmarshal(raw, &s.LLM)
		case "web_search":
			err = json.Unmarshal(raw, &s.WebSearch)
		case "web_fetch":
			err = json.Unmarshal(raw, &s.WebFetch)
		case "sandbox":
			err = json.Unmarshal(raw, &s.Sandbox)
		case "agent_loop":
			err = json.Unmarshal(raw, &s.AgentLoop)
		case "mcp_servers":
			err = json.Unmarshal(raw, &s.MCPServers)
		case "run_lease_seconds":
			err = json.Unmarshal(raw, &s.RunLeaseSeconds)
		case "run_heartbeat_seconds":
			err = json.Unmarshal(raw, &s.RunHeartbeatSeconds)
		case "run_max_attempts":
			err = json.Unmarshal(raw, &s.RunMaxAttempts)
		case "trace_verbosity":
			err = json.Unmarshal(raw, &s.TraceVerbosity)
		case "skills_base_url":
			err = json.Unmarshal(raw, &s.SkillsBaseURL)
		default:
			continue
		}
		if err != nil {
			logger.Warn("ignoring malformed setting override", "key", key, "error", err)
		}
	}
}

// Snapshot serializes the settings subset a run execution depends on, for
// embedding into run input as settings_snapshot. Secrets are excluded by the
// json:"-" tags.
func (s Settings) Snapshot() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// RestoreSnapshot overlays a settings_snapshot from run input onto base so a
// run re-executes with the configuration it was created under. Unknown keys
// are ignored.
func RestoreSnapshot(base Settings, snapshot map[string]any) Settings {
	if len(snapshot) == 0 {
		return base
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return base
	}
	s := base
	if err := json.Unmarshal(data, &s); err != nil {
		return base
	}
	s.Normalize(nil)
	return s
}
