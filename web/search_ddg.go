package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/nevindra/relay"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// duckduckgo scrapes the HTML endpoint. No API key required, but the
// endpoint throttles aggressively and serves captcha pages under load.
type duckduckgo struct {
	client   *http.Client
	endpoint string
}

func newDuckDuckGo(cfg relay.WebSearchSettings) *duckduckgo {
	return &duckduckgo{
		client:   newHTTPClient(cfg.TimeoutMS, defaultSearchTimeoutMS),
		endpoint: ddgEndpoint,
	}
}

func (d *duckduckgo) Name() string { return "duckduckgo" }

func (d *duckduckgo) Search(ctx context.Context, query string, maxResults int) ([]SearchItem, error) {
	reqURL := fmt.Sprintf("%s?q=%s", d.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, mapNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, relay.Ef(relay.CodeWebParseError, "parse results page: %v", err)
	}
	if isDDGChallenge(doc) {
		return nil, blockedErr(relay.DetailCaptchaRequired)
	}

	var items []SearchItem
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		items = append(items, SearchItem{
			Title:   link.Text(),
			URL:     decodeDDGHref(href),
			Snippet: sel.Find(".result__snippet").First().Text(),
		})
		return len(items) < maxResults
	})
	return items, nil
}

// isDDGChallenge detects the anomaly/captcha interstitial that DuckDuckGo
// serves with a 200 status.
func isDDGChallenge(doc *goquery.Document) bool {
	if doc.Find(".anomaly-modal__title").Length() > 0 || doc.Find("form#challenge-form").Length() > 0 {
		return true
	}
	body := strings.ToLower(doc.Find("body").Text())
	for _, marker := range []string{"captcha", "unusual traffic", "blocked"} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// decodeDDGHref unwraps the redirect URLs DuckDuckGo emits, where the real
// target hides in the uddg query parameter.
func decodeDDGHref(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	return href
}
