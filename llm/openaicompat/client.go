package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nevindra/relay"
)

const defaultTimeout = 60 * time.Second

// maxErrBodyBytes caps how much of an error response is kept for diagnostics.
const maxErrBodyBytes = 2048

// Client is a non-streaming chat completions client implementing relay.LLM.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	name    string

	temperature *float64
	maxTokens   int

	client *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithName sets the provider name returned by Name() (default "openai").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTemperature sets the sampling temperature sent on every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a chat completions client. baseURL is the API base
// (for example "https://api.openai.com/v1" or "http://localhost:11434/v1");
// the /chat/completions path is appended.
func NewClient(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  relay.NopLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ relay.LLM = (*Client)(nil)

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// Generate completes a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.GenerateMessages(ctx, []relay.LLMMessage{{Role: "user", Content: prompt}})
}

// GenerateMessages completes a chat transcript and returns the first
// choice's content.
func (c *Client) GenerateMessages(ctx context.Context, messages []relay.LLMMessage) (string, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    make([]message, len(messages)),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	for i, m := range messages {
		body.Messages[i] = message{Role: m.Role, Content: relay.ClampPrompt(m.Content)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		return "", &relay.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(snippet),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message == nil {
		return "", fmt.Errorf("%s: response carries no choices", c.name)
	}

	if chat.Usage != nil {
		c.logger.Debug("llm completion",
			"provider", c.name,
			"model", c.model,
			"prompt_tokens", chat.Usage.PromptTokens,
			"completion_tokens", chat.Usage.CompletionTokens,
			"duration", time.Since(start))
	}
	return chat.Choices[0].Message.Content, nil
}

// ParseRetryAfter parses a Retry-After header value: either delta seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
