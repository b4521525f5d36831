// index.go builds a BM25-scored full-text index over the markdown files of a
// repository. The index is built once at startup; queries are tokenized into
// terms and scored with Okapi BM25 plus a heading boost, so multi-word
// queries match documents containing the terms without requiring an exact
// substring.
package main

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// BM25 tuning parameters.
const (
	bm25K1       = 1.2
	bm25B        = 0.75
	headingBoost = 2.0
	maxResults   = 10
	maxFileBytes = 1 << 20
)

// Directories never worth indexing.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".idea": true,
}

// fileEntry is one indexed repository file. Content is re-read on demand so
// resources/read reflects edits made after startup.
type fileEntry struct {
	uri     string
	relPath string
	absPath string
}

func (e fileEntry) read() (string, error) {
	data, err := os.ReadFile(e.absPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// fileIndex is a BM25 inverted index over repository markdown files.
type fileIndex struct {
	entries   []fileEntry
	postings  map[string][]posting
	headTerms map[string]map[int]bool
	docLens   []int
	avgDL     float64
}

// posting records a term's frequency in a single document.
type posting struct {
	doc  int
	freq int
}

type searchResult struct {
	entry   fileEntry
	score   float64
	snippet string
}

// buildIndex walks root and indexes every markdown file up to maxFileBytes.
func buildIndex(root string) (*fileIndex, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	idx := &fileIndex{
		postings:  make(map[string][]posting),
		headTerms: make(map[string]map[int]bool),
	}

	totalLen := 0
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (d.Name() != "." && strings.HasPrefix(d.Name(), ".") && path != abs) {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		docIdx := len(idx.entries)
		idx.entries = append(idx.entries, fileEntry{
			uri:     "repo://" + rel,
			relPath: rel,
			absPath: path,
		})

		content := string(data)
		tokens := tokenize(content)
		idx.docLens = append(idx.docLens, len(tokens))
		totalLen += len(tokens)

		tf := make(map[string]int)
		for _, t := range tokens {
			tf[t]++
		}
		for term, freq := range tf {
			idx.postings[term] = append(idx.postings[term], posting{doc: docIdx, freq: freq})
		}
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "#") {
				for _, t := range tokenize(line) {
					if idx.headTerms[t] == nil {
						idx.headTerms[t] = make(map[int]bool)
					}
					idx.headTerms[t][docIdx] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(idx.entries) > 0 {
		idx.avgDL = float64(totalLen) / float64(len(idx.entries))
	}
	return idx, nil
}

// byPath finds an indexed entry by its root-relative path.
func (idx *fileIndex) byPath(rel string) (fileEntry, bool) {
	rel = filepath.ToSlash(strings.TrimPrefix(rel, "./"))
	for _, e := range idx.entries {
		if e.relPath == rel {
			return e, true
		}
	}
	return fileEntry{}, false
}

// search ranks indexed files against the query, best first.
func (idx *fileIndex) search(query string) []searchResult {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var unique []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	n := float64(len(idx.entries))
	scores := make(map[int]float64)
	for _, term := range unique {
		posts, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posts))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
		for _, p := range posts {
			dl := float64(idx.docLens[p.doc])
			tf := float64(p.freq)
			tfNorm := (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*(dl/idx.avgDL)))
			score := idf * tfNorm
			if idx.headTerms[term][p.doc] {
				score *= headingBoost
			}
			scores[p.doc] += score
		}
	}
	if len(scores) == 0 {
		return nil
	}

	termSet := make(map[string]bool, len(unique))
	for _, t := range unique {
		termSet[t] = true
	}
	results := make([]searchResult, 0, len(scores))
	for docIdx, score := range scores {
		content, err := idx.entries[docIdx].read()
		if err != nil {
			continue
		}
		results = append(results, searchResult{
			entry:   idx.entries[docIdx],
			score:   score,
			snippet: extractSnippet(content, termSet),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// extractSnippet returns the best 5-line window for the query terms with one
// line of context each side, prefixed by the nearest heading above it.
func extractSnippet(content string, queryTerms map[string]bool) string {
	lines := strings.Split(content, "\n")

	lineScores := make([]int, len(lines))
	for i, line := range lines {
		seen := make(map[string]bool)
		for _, t := range tokenize(line) {
			if queryTerms[t] && !seen[t] {
				lineScores[i]++
				seen[t] = true
			}
		}
	}

	const windowSize = 5
	bestStart, bestScore := 0, 0
	for i := 0; i < len(lines); i++ {
		score := 0
		end := min(i+windowSize, len(lines))
		for j := i; j < end; j++ {
			score += lineScores[j]
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	start := max(bestStart-1, 0)
	end := min(bestStart+windowSize+1, len(lines))
	snippet := strings.TrimSpace(strings.Join(lines[start:end], "\n"))

	heading := ""
	for i := bestStart; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "#") {
			heading = strings.TrimSpace(lines[i])
			break
		}
	}
	if heading != "" && !strings.Contains(snippet, heading) {
		snippet = heading + "\n\n" + snippet
	}
	return snippet
}

// formatResults renders search results as the tool's text output.
func formatResults(query string, results []searchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q. Try a different keyword.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching file(s):\n", len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "\n## %s (%s)\n\n%s\n\n===\n", r.entry.relPath, r.entry.uri, r.snippet)
	}
	return b.String()
}

// tokenize splits text into lowercase search tokens. Hyphenated words are
// indexed both whole and as parts.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		word := strings.Trim(buf.String(), "-")
		buf.Reset()
		if len(word) < 2 {
			return
		}
		tokens = append(tokens, word)
		if strings.Contains(word, "-") {
			for _, part := range strings.Split(word, "-") {
				if len(part) >= 2 {
					tokens = append(tokens, part)
				}
			}
		}
	}

	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			buf.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
