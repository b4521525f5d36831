package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevindra/relay"
)

const summarizeMessageLimit = 50

// Summarize condenses a conversation into a markdown summary, grounding the
// prompt in the active facts set.
type Summarize struct {
	messages MessageLister
}

// NewSummarize creates the summarize handler. messages may be nil, in which
// case the handler summarizes from the run input's messages field only.
func NewSummarize(messages MessageLister) *Summarize {
	return &Summarize{messages: messages}
}

func (h *Summarize) Type() string { return "summarize_conversation" }

func (h *Summarize) Run(ctx context.Context, tc *relay.TaskContext) error {
	conversationID := tc.Run.Input.Str("conversation_id")

	var history []string
	err := tc.Step(ctx, "fetch_messages", func(meta map[string]any) error {
		if provided, ok := tc.Run.Input["messages"].([]any); ok {
			for _, m := range provided {
				if s, ok := m.(string); ok {
					history = append(history, s)
				}
			}
		} else if h.messages != nil && conversationID != "" {
			msgs, err := h.messages.ListRunMessages(ctx, conversationID, summarizeMessageLimit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				history = append(history, fmt.Sprintf("%s: %s", m.Role, m.Text))
			}
		}
		meta["count"] = len(history)
		return nil
	})
	if err != nil {
		return nil
	}

	facts, source := fetchFacts(ctx, tc, conversationID)
	snapshotID := relay.ComputeFactsSnapshotID(facts)
	tc.SetFactsSnapshot(snapshotID, source)

	var prompt string
	_ = tc.Step(ctx, "build_prompt", func(meta map[string]any) error {
		var b strings.Builder
		b.WriteString("Summarize the following conversation as concise markdown bullet points.\n")
		if block := relay.RenderFactsBlock(facts); block != "" {
			b.WriteString("\n" + block)
		}
		b.WriteString("\nConversation:\n")
		for _, line := range history {
			b.WriteString(line + "\n")
		}
		prompt = relay.ClampPrompt(b.String())
		meta["prompt_chars"] = len(prompt)
		return nil
	})

	var summary string
	err = tc.Step(ctx, "llm_generate", func(meta map[string]any) error {
		if tc.LLM == nil {
			return relay.E(relay.CodeRuntimeError, "no llm configured")
		}
		out, err := tc.LLM.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		summary = out
		meta["summary_chars"] = len(summary)
		return nil
	})
	if err != nil {
		return nil
	}

	tc.SetArtifact("summary", map[string]any{"text": summary})
	tc.SetArtifact("facts", map[string]any{"snapshot_id": snapshotID, "source": source})
	tc.SetResult("reply", summary)
	tc.SetResult("observation", fmt.Sprintf("summarized %d messages", len(history)))
	return nil
}

// fetchFacts resolves the active facts for a handler run: an explicit
// input-provided set wins, then the configured source, then an empty
// fallback. Recorded inside a fetch_facts step.
func fetchFacts(ctx context.Context, tc *relay.TaskContext, conversationID string) (facts []relay.Fact, source string) {
	source = relay.FactsSourceFallbackZero
	_ = tc.Step(ctx, "fetch_facts", func(meta map[string]any) error {
		if provided, ok := tc.Run.Input["facts"]; ok {
			var fs []relay.Fact
			if err := decodeInto(provided, &fs); err == nil {
				facts = fs
				source = relay.FactsSourceProvided
				meta["count"] = len(facts)
				meta["source"] = source
				return nil
			}
		}
		if tc.Facts != nil {
			fs, src, err := tc.Facts.ActiveFacts(ctx, conversationID, tc.Settings.FactsLimit)
			if err == nil {
				facts = fs
				source = src
			}
		}
		meta["count"] = len(facts)
		meta["source"] = source
		return nil
	})
	return facts, source
}
