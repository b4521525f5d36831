// Package resolve creates the configured model collaborator from settings.
package resolve

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/llm/openaicompat"
)

// LLM builds the relay.LLM for the configured provider, wrapped with retry
// on transient HTTP failures. The stub provider needs no configuration and
// is the default.
func LLM(cfg relay.LLMSettings, logger *slog.Logger) (relay.LLM, error) {
	switch cfg.Provider {
	case "", "stub":
		return relay.StubLLM{}, nil
	case "openai", "qwen", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		opts := []openaicompat.Option{
			openaicompat.WithName(cfg.Provider),
			openaicompat.WithLogger(logger),
		}
		if cfg.Temperature != 0 {
			opts = append(opts, openaicompat.WithTemperature(cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openaicompat.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.TimeoutMS > 0 {
			opts = append(opts, openaicompat.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
			}))
		}
		client := openaicompat.NewClient(cfg.APIKey, cfg.Model, baseURL, opts...)

		retryOpts := []relay.RetryOption{relay.RetryLogger(logger)}
		if cfg.MaxRetries > 0 {
			retryOpts = append(retryOpts, relay.RetryMaxAttempts(cfg.MaxRetries+1))
		}
		return relay.WithRetry(client, retryOpts...), nil
	default:
		return nil, fmt.Errorf("resolve: unknown llm provider %q", cfg.Provider)
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "qwen":
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
