package relay

import (
	"context"
	"fmt"
	"strings"
)

// LLMMessage is one chat turn.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM is the model collaborator contract consumed by task handlers and the
// agent loop. Implementations: llm/openaicompat for OpenAI-compatible
// endpoints (openai, qwen, ollama) and StubLLM for offline operation.
type LLM interface {
	// Name identifies the provider for logging and retry events.
	Name() string
	// Generate completes a single user prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateMessages completes a chat transcript.
	GenerateMessages(ctx context.Context, messages []LLMMessage) (string, error)
}

// maxPromptRunes caps prompts before they reach a provider. Oversized prompts
// keep the head and tail with an elision marker in between.
const maxPromptRunes = 24000

// ClampPrompt bounds a prompt to maxPromptRunes, keeping head and tail.
func ClampPrompt(prompt string) string {
	r := []rune(prompt)
	if len(r) <= maxPromptRunes {
		return prompt
	}
	head := maxPromptRunes * 3 / 4
	tail := maxPromptRunes - head
	return string(r[:head]) + "\n...[truncated]...\n" + string(r[len(r)-tail:])
}

// StubLLM is a deterministic model used when no provider is configured. It
// echoes a bounded summary of its prompt so pipelines stay testable offline.
type StubLLM struct{}

var _ LLM = (*StubLLM)(nil)

func (StubLLM) Name() string { return "stub" }

func (StubLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return stubCompletion(prompt), nil
}

func (StubLLM) GenerateMessages(ctx context.Context, messages []LLMMessage) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	return stubCompletion(messages[len(messages)-1].Content), nil
}

func stubCompletion(prompt string) string {
	p := strings.TrimSpace(prompt)
	if len(p) > 160 {
		p = p[:160]
	}
	return fmt.Sprintf("[stub] %s", p)
}
