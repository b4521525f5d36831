package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevindra/relay"
)

const (
	defaultMaxSources = 2
	evidenceQuoteLen  = 240
)

// Research runs a search, fetches the top sources, and composes a markdown
// report with quoted evidence. Fetch failures are tolerated as long as at
// least one source succeeds.
type Research struct{}

// NewResearch creates the research handler.
func NewResearch() *Research { return &Research{} }

func (h *Research) Type() string { return "research_report" }

type researchSource struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet,omitempty"`
	Provider string `json:"provider"`
	Rank     int    `json:"rank"`

	text string
}

type searchPayload struct {
	Items []researchSource `json:"items"`
}

type fetchPayload struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	ExtractedText string `json:"extracted_text"`
}

func (h *Research) Run(ctx context.Context, tc *relay.TaskContext) error {
	query := tc.Run.Input.Str("query")
	if query == "" {
		query = tc.Run.Input.Str("topic")
	}
	maxSources := tc.Run.Input.Int("max_sources", tc.Settings.ResearchMaxSources)
	if maxSources <= 0 {
		maxSources = defaultMaxSources
	}

	if tc.Tools == nil {
		return fmt.Errorf("research handler requires a tool runtime")
	}

	value, err := tc.Tools.Invoke(ctx, tc, "web.search", map[string]any{
		"query":       query,
		"max_results": maxSources * 2,
	})
	if err != nil {
		return nil
	}
	var search searchPayload
	if err := decodeInto(value, &search); err != nil || len(search.Items) == 0 {
		_ = tc.Step(ctx, "extract", func(meta map[string]any) error {
			return relay.E(relay.CodeWebParseError, "search returned no usable items")
		})
		return nil
	}

	// Dedupe before anything indexes into the source list: evidence entries
	// carry source_index positions, which must survive to the artifact.
	sources := search.Items
	_ = tc.Step(ctx, "dedupe_rank", func(meta map[string]any) error {
		sources = dedupeSources(sources)
		if len(sources) > maxSources {
			sources = sources[:maxSources]
		}
		meta["sources"] = len(sources)
		return nil
	})

	fetched := 0
	for i := range sources {
		if err := tc.Beat(); err != nil {
			return err
		}
		value, err := tc.Tools.Invoke(ctx, tc, "web.fetch", map[string]any{"url": sources[i].URL})
		if err != nil {
			continue
		}
		var fetch fetchPayload
		if err := decodeInto(value, &fetch); err != nil {
			continue
		}
		sources[i].text = fetch.ExtractedText
		if sources[i].Title == "" {
			sources[i].Title = fetch.Title
		}
		fetched++
	}

	var evidence []map[string]any
	err = tc.Step(ctx, "extract", func(meta map[string]any) error {
		for i := range sources {
			text := sources[i].text
			if text == "" {
				text = sources[i].Snippet
			}
			if text == "" {
				continue
			}
			evidence = append(evidence, map[string]any{
				"quote":        firstRunes(text, evidenceQuoteLen),
				"source_url":   sources[i].URL,
				"source_index": i,
			})
		}
		meta["fetched"] = fetched
		meta["evidence"] = len(evidence)
		if len(evidence) == 0 {
			return relay.E(relay.CodeWebParseError, "no source yielded extractable text")
		}
		return nil
	})
	if err != nil {
		return nil
	}

	var report string
	_ = tc.Step(ctx, "write_report", func(meta map[string]any) error {
		report = h.composeReport(ctx, tc, query, sources, evidence)
		meta["report_chars"] = len(report)
		return nil
	})

	tc.SetArtifact("report", map[string]any{"text": report})
	tc.SetArtifact("sources", sourcesPayload(sources))
	tc.SetArtifact("evidence", evidence)
	tc.SetResult("reply", report)
	tc.SetResult("observation", fmt.Sprintf("researched %q across %d sources (%d fetched)", query, len(sources), fetched))

	// Partial success: failed fetches stay visible as failed steps, but the
	// run as a whole succeeded if a report was produced.
	if fetched > 0 && tc.Err() != nil {
		tc.ClearError()
		tc.SetOK(true)
	}
	return nil
}

// composeReport asks the LLM to write the report from the evidence; without
// an LLM it falls back to a plain evidence listing.
func (h *Research) composeReport(ctx context.Context, tc *relay.TaskContext, query string, sources []researchSource, evidence []map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", query)
	if tc.LLM != nil {
		var prompt strings.Builder
		fmt.Fprintf(&prompt, "Write a short markdown research report about %q using only this evidence:\n", query)
		for _, ev := range evidence {
			fmt.Fprintf(&prompt, "- %s (%s)\n", ev["quote"], ev["source_url"])
		}
		if out, err := tc.LLM.Generate(ctx, relay.ClampPrompt(prompt.String())); err == nil && out != "" {
			b.WriteString(out)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("## Sources\n")
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, s.URL)
	}
	return b.String()
}

// dedupeSources drops repeated URLs, keeping first occurrence order.
func dedupeSources(sources []researchSource) []researchSource {
	seen := make(map[string]bool, len(sources))
	out := sources[:0]
	for _, s := range sources {
		if seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	return out
}

func sourcesPayload(sources []researchSource) []map[string]any {
	out := make([]map[string]any, len(sources))
	for i, s := range sources {
		out[i] = map[string]any{
			"title":    s.Title,
			"url":      s.URL,
			"provider": s.Provider,
			"rank":     s.Rank,
		}
	}
	return out
}
