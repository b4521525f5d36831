package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nevindra/relay"
)

// searxng queries a self-hosted SearXNG instance over its JSON API.
type searxng struct {
	client  *http.Client
	baseURL string
}

func newSearXNG(cfg relay.WebSearchSettings) *searxng {
	return &searxng{
		client:  newHTTPClient(cfg.TimeoutMS, defaultSearchTimeoutMS),
		baseURL: strings.TrimRight(cfg.SearXNGBaseURL, "/"),
	}
}

func (s *searxng) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Engine  string `json:"engine"`
	} `json:"results"`
}

func (s *searxng) Search(ctx context.Context, query string, maxResults int) ([]SearchItem, error) {
	if s.baseURL == "" {
		return nil, relay.E(relay.CodeAuthError, "searxng base URL is not configured")
	}
	reqURL := fmt.Sprintf("%s/search?q=%s&format=json", s.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, mapNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, relay.Ef(relay.CodeAuthError, "searxng rejected the request with status %d; check instance access settings", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, blockedErr(relay.DetailHTTP429)
	case resp.StatusCode >= 500:
		return nil, &relay.Error{Code: relay.CodeBadGateway, Message: fmt.Sprintf("searxng returned status %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		return nil, relay.Ef(relay.CodeWebProviderError, "searxng returned status %d", resp.StatusCode)
	}

	var payload searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, relay.Ef(relay.CodeWebParseError, "decode searxng response: %v", err)
	}

	items := make([]SearchItem, 0, maxResults)
	for _, r := range payload.Results {
		if len(items) >= maxResults {
			break
		}
		items = append(items, SearchItem{
			Title:    r.Title,
			URL:      r.URL,
			Snippet:  r.Content,
			Provider: "searxng",
		})
	}
	return items, nil
}
