package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nevindra/relay"
)

const bochaEndpoint = "https://api.bochaai.com/v1/web-search"

// bocha calls the Bocha web search API. Transient failures (5xx, timeouts,
// transport errors) are retried up to bochaMaxAttempts; auth and quota
// failures are surfaced immediately.
type bocha struct {
	client   *http.Client
	endpoint string
	apiKey   string
	sleep    func(time.Duration)
}

const bochaMaxAttempts = 3

func newBocha(cfg relay.WebSearchSettings) *bocha {
	return &bocha{
		client:   newHTTPClient(cfg.TimeoutMS, defaultSearchTimeoutMS),
		endpoint: bochaEndpoint,
		apiKey:   cfg.BochaAPIKey,
		sleep:    time.Sleep,
	}
}

func (b *bocha) Name() string { return "bocha" }

type bochaRequest struct {
	Query   string `json:"query"`
	Count   int    `json:"count"`
	Summary bool   `json:"summary"`
}

type bochaResponse struct {
	Data struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

func (b *bocha) Search(ctx context.Context, query string, maxResults int) ([]SearchItem, error) {
	if b.apiKey == "" {
		return nil, relay.E(relay.CodeAuthError, "bocha API key is not configured")
	}

	var lastErr error
	for attempt := 0; attempt < bochaMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, mapNetErr(ctx.Err())
			default:
			}
			b.sleep(time.Duration(1<<attempt) * 500 * time.Millisecond)
		}
		items, err := b.searchOnce(ctx, query, maxResults)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !bochaTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (b *bocha) searchOnce(ctx context.Context, query string, maxResults int) ([]SearchItem, error) {
	body, err := json.Marshal(bochaRequest{Query: query, Count: maxResults})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, relay.Ef(relay.CodeAuthError, "bocha rejected the API key (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, blockedErr(relay.DetailHTTP429)
	case resp.StatusCode >= 500:
		return nil, &relay.Error{
			Code:      relay.CodeWebProviderError,
			Message:   fmt.Sprintf("bocha returned status %d: %s", resp.StatusCode, readCapped(resp.Body, 512)),
			Retryable: true,
		}
	case resp.StatusCode != http.StatusOK:
		return nil, relay.Ef(relay.CodeWebProviderError, "bocha returned status %d: %s", resp.StatusCode, readCapped(resp.Body, 512))
	}

	var payload bochaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, relay.Ef(relay.CodeWebParseError, "decode bocha response: %v", err)
	}

	items := make([]SearchItem, 0, maxResults)
	for _, page := range payload.Data.WebPages.Value {
		if len(items) >= maxResults {
			break
		}
		items = append(items, SearchItem{
			Title:    page.Name,
			URL:      page.URL,
			Snippet:  page.Snippet,
			Provider: "bocha",
		})
	}
	return items, nil
}

// bochaTransient reports whether an attempt is worth repeating: retryable
// coded errors only, never auth or quota failures.
func bochaTransient(err error) bool {
	var e *relay.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == relay.CodeWebBlocked || e.Code == relay.CodeAuthError {
		return false
	}
	return e.Retryable
}
