// Package handlers implements the task handlers: sleep, summarize, research,
// code_snippet, agent_turn, and the two-phase edit_docs flow. Each handler
// records its steps on the task context and shapes the result/artifacts
// payloads.
package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nevindra/relay"
)

// MessageLister reads conversation messages for the summarize handler. The
// store package implements it.
type MessageLister interface {
	ListRunMessages(ctx context.Context, conversationID string, limit int) ([]relay.RunMessage, error)
}

// RegisterAll registers every handler on the registry.
func RegisterAll(reg *relay.HandlerRegistry, deps Deps) {
	reg.Register(NewSleep())
	reg.Register(NewSummarize(deps.Messages))
	reg.Register(NewResearch())
	reg.Register(NewCodeSnippet())
	reg.Register(NewEditDocsPropose(deps.RepoRoot))
	reg.Register(NewEditDocsApply(deps.Runs, deps.RepoRoot))
	reg.Register(NewEditDocsCancel(deps.Runs))
	reg.Register(NewAgentTurn(deps.Orchestrator))
}

// Deps are the collaborators handlers need beyond the task context.
type Deps struct {
	Runs         relay.RunStore
	Messages     MessageLister
	RepoRoot     string
	Orchestrator *relay.Orchestrator
}

// decodeInto round-trips a loosely typed tool result into dst. Tool results
// arrive either as concrete structs or as generic maps depending on the
// provider; JSON is the common shape.
func decodeInto(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// firstRunes returns the first n runes of s with whitespace collapsed, for
// preview strings.
func firstRunes(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
