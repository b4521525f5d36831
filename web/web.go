// Package web implements the web.search and web.fetch tools over pluggable
// backends. Search backends: duckduckgo, searxng, baidu, bocha. The fetch
// backend is a hardened HTTP pipeline with SSRF guarding, bounded reads, and
// readability extraction.
package web

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nevindra/relay"
)

// SearchItem is one normalized search result.
type SearchItem struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet,omitempty"`
	Provider string `json:"provider"`
	Rank     int    `json:"rank"`
}

// SearchResult is the web.search tool payload.
type SearchResult struct {
	Items    []SearchItem `json:"items"`
	Provider string       `json:"provider"`
	Query    string       `json:"query"`
}

// FetchResult is the web.fetch tool payload. Text carries the raw decoded
// body for textual content types; ExtractedText is the readable extraction.
type FetchResult struct {
	URL              string   `json:"url"`
	FinalURL         string   `json:"final_url,omitempty"`
	Title            string   `json:"title,omitempty"`
	StatusCode       int      `json:"status_code"`
	ContentType      string   `json:"content_type,omitempty"`
	Text             string   `json:"text"`
	ExtractedText    string   `json:"extracted_text,omitempty"`
	ExtractionMethod string   `json:"extraction_method"`
	ParagraphsCount  int      `json:"paragraphs_count,omitempty"`
	Truncated        bool     `json:"truncated"`
	CacheHit         bool     `json:"cache_hit,omitempty"`
	ArtifactPaths    []string `json:"artifact_paths,omitempty"`
}

// SearchBackend executes one search against a concrete engine.
type SearchBackend interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]SearchItem, error)
}

// FetchBackend downloads and extracts one URL. A non-empty artifactDir asks
// the backend to persist raw.html, extracted.txt, and meta.json there.
type FetchBackend interface {
	Name() string
	Fetch(ctx context.Context, rawURL, artifactDir string) (*FetchResult, error)
}

// Request bounds shared by both tools.
const (
	MinTimeoutMS = 1000
	MaxTimeoutMS = 120000

	MinResults = 1
	MaxResults = 10

	DefaultResults = 5
)

// Provider exposes web.search and web.fetch as catalog tools over the
// configured backends. Either backend may be nil; the corresponding tool is
// then not listed and the deterministic stub provider serves it instead.
type Provider struct {
	search SearchBackend
	fetch  FetchBackend
	logger *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates the web tool provider from settings. Returns nil when
// both backends are stubbed so the catalog falls through to the stub
// provider.
func NewProvider(settings relay.Settings, cache relay.FetchCache, opts ...ProviderOption) *Provider {
	p := &Provider{logger: relay.NopLogger()}
	for _, o := range opts {
		o(p)
	}
	p.search = newSearchBackend(settings.WebSearch)
	if settings.WebFetch.Backend == "http" {
		p.fetch = newHTTPFetcher(settings.WebFetch, cache, p.logger)
	}
	if p.search == nil && p.fetch == nil {
		return nil
	}
	return p
}

// newSearchBackend maps a backend name to its implementation. Unknown names
// were already clamped to stub by settings normalization.
func newSearchBackend(cfg relay.WebSearchSettings) SearchBackend {
	switch cfg.Backend {
	case "duckduckgo":
		return newDuckDuckGo(cfg)
	case "searxng":
		return newSearXNG(cfg)
	case "baidu":
		return newBaidu(cfg)
	case "bocha":
		return newBocha(cfg)
	}
	return nil
}

var _ relay.ToolProvider = (*Provider)(nil)

func (p *Provider) ID() string { return "web" }

func (p *Provider) ListTools(ctx context.Context) ([]relay.ToolMeta, error) {
	var tools []relay.ToolMeta
	if p.search != nil {
		tools = append(tools, relay.ToolMeta{
			Name:            "web.search",
			Description:     "Search the web and return ranked result items.",
			ProviderID:      "web",
			RiskLevel:       relay.RiskReadOnly,
			CapabilityLevel: relay.CapL1,
		})
	}
	if p.fetch != nil {
		tools = append(tools, relay.ToolMeta{
			Name:            "web.fetch",
			Description:     "Fetch a URL and return extracted readable text.",
			ProviderID:      "web",
			RiskLevel:       relay.RiskReadOnly,
			CapabilityLevel: relay.CapL1,
		})
	}
	return tools, nil
}

func (p *Provider) Invoke(ctx context.Context, tc *relay.TaskContext, name string, args map[string]any) (any, error) {
	switch name {
	case "web.search":
		return p.invokeSearch(ctx, args)
	case "web.fetch":
		return p.invokeFetch(ctx, args)
	}
	return nil, relay.Ef(relay.CodeToolNotFound, "tool %q is not available", name)
}

func (p *Provider) Close() error { return nil }

func (p *Provider) invokeSearch(ctx context.Context, args map[string]any) (any, error) {
	query, maxResults, err := ValidateSearchArgs(args)
	if err != nil {
		return nil, err
	}
	if p.search == nil {
		return nil, relay.E(relay.CodeToolNotFound, "no search backend configured")
	}
	items, err := p.search.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	items = NormalizeItems(items, p.search.Name())
	if len(items) > maxResults {
		items = items[:maxResults]
	}
	return &SearchResult{Items: items, Provider: p.search.Name(), Query: query}, nil
}

func (p *Provider) invokeFetch(ctx context.Context, args map[string]any) (any, error) {
	rawURL, artifactDir, err := ValidateFetchArgs(args)
	if err != nil {
		return nil, err
	}
	if p.fetch == nil {
		return nil, relay.E(relay.CodeToolNotFound, "no fetch backend configured")
	}
	return p.fetch.Fetch(ctx, rawURL, artifactDir)
}

// ValidateSearchArgs checks web.search arguments: non-empty query and
// max_results within [1, 10].
func ValidateSearchArgs(args map[string]any) (query string, maxResults int, err error) {
	query, _ = args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", 0, relay.E(relay.CodeInvalidInput, "query must be a non-empty string")
	}
	maxResults = DefaultResults
	if raw, ok := args["max_results"]; ok {
		n, ok := toInt(raw)
		if !ok || n < MinResults || n > MaxResults {
			return "", 0, relay.Ef(relay.CodeInvalidInput, "max_results must be an integer in [%d, %d]", MinResults, MaxResults)
		}
		maxResults = n
	}
	return query, maxResults, nil
}

// ValidateFetchArgs checks web.fetch arguments: an absolute http(s) URL plus
// an optional artifact_dir for persisted copies.
func ValidateFetchArgs(args map[string]any) (rawURL, artifactDir string, err error) {
	rawURL, _ = args["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		return "", "", relay.E(relay.CodeInvalidInput, "url must be a non-empty string")
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", relay.E(relay.CodeInvalidInput, "url must be an absolute http or https URL")
	}
	artifactDir, _ = args["artifact_dir"].(string)
	return rawURL, strings.TrimSpace(artifactDir), nil
}

// ClampTimeoutMS bounds a requested timeout to [MinTimeoutMS, MaxTimeoutMS],
// substituting def when unset.
func ClampTimeoutMS(ms, def int) int {
	if ms <= 0 {
		return def
	}
	if ms < MinTimeoutMS {
		return MinTimeoutMS
	}
	if ms > MaxTimeoutMS {
		return MaxTimeoutMS
	}
	return ms
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
