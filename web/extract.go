package web

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Extraction method names recorded in fetch results and cache entries.
const (
	MethodReadability = "readability"
	MethodPDF         = "pdf"
	MethodStripHTML   = "strip_html"
	MethodNone        = "none"
)

// extract turns a response body into readable text plus a page title. HTML
// goes through readability first with a tag-stripping fallback, PDFs through
// the pdf reader, plain text passes through untouched.
func extract(body []byte, contentType, pageURL string) (text, title, method string) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/pdf"):
		if text, err := extractPDF(body); err == nil && text != "" {
			return text, "", MethodPDF
		}
		return "", "", MethodNone
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return extractHTML(body, pageURL)
	case strings.Contains(ct, "text/plain"), ct == "":
		return strings.TrimSpace(string(body)), "", MethodNone
	}
	return "", "", MethodNone
}

func extractHTML(body []byte, pageURL string) (text, title, method string) {
	title = pageTitle(string(body))
	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil {
		if article.Title != "" {
			title = article.Title
		}
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return text, title, MethodReadability
		}
	}
	if text := StripHTML(string(body)); text != "" {
		return text, title, MethodStripHTML
	}
	return "", title, MethodNone
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func pageTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(StripHTML(m[1]))
}

func extractPDF(body []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML is the crude fallback extractor: drop script/style blocks,
// remove tags, collapse whitespace.
func StripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
