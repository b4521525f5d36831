package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// FactsClient fetches active facts from the memory HTTP collaborator when no
// in-process store is reachable.
type FactsClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewFactsClient creates an HTTP-backed FactSource.
func NewFactsClient(baseURL string, logger *slog.Logger) *FactsClient {
	if logger == nil {
		logger = nopLogger
	}
	return &FactsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

var _ FactSource = (*FactsClient)(nil)

// ActiveFacts fetches the merged active set over HTTP. Any failure degrades
// to an empty set with source fallback_zero — never a partial set.
func (c *FactsClient) ActiveFacts(ctx context.Context, conversationID string, limit int) ([]Fact, string, error) {
	if limit <= 0 {
		limit = DefaultFactsLimit
	}
	u := fmt.Sprintf("%s/facts/active?limit=%d", c.baseURL, limit)
	if conversationID != "" {
		u += "&session_id=" + url.QueryEscape(conversationID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return []Fact{}, FactsSourceFallbackZero, nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("facts client fetch failed", "error", err)
		return []Fact{}, FactsSourceFallbackZero, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("facts client non-200", "status", resp.StatusCode)
		return []Fact{}, FactsSourceFallbackZero, nil
	}
	var payload struct {
		Facts []Fact `json:"facts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.logger.Warn("facts client decode failed", "error", err)
		return []Fact{}, FactsSourceFallbackZero, nil
	}
	merged := MergeActiveFacts(payload.Facts, nil, nil)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, FactsSourceStore, nil
}
