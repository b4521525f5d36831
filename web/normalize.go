package web

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field caps applied to every search item before it enters an envelope.
const (
	maxTitleRunes    = 512
	maxURLRunes      = 2048
	maxSnippetRunes  = 4096
	maxProviderRunes = 64
)

// NormalizeItems canonicalizes backend output: NFC normalization, whitespace
// trim, field caps, a provider default, and 1-based rank assignment. Items
// without a URL are dropped.
func NormalizeItems(items []SearchItem, provider string) []SearchItem {
	out := items[:0]
	rank := 1
	for _, it := range items {
		it.Title = capRunes(normText(it.Title), maxTitleRunes)
		it.URL = capRunes(strings.TrimSpace(it.URL), maxURLRunes)
		it.Snippet = capRunes(normText(it.Snippet), maxSnippetRunes)
		if it.Provider == "" {
			it.Provider = provider
		}
		it.Provider = capRunes(it.Provider, maxProviderRunes)
		if it.URL == "" {
			continue
		}
		it.Rank = rank
		rank++
		out = append(out, it)
	}
	return out
}

func normText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func capRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
