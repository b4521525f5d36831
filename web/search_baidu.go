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

const baiduEndpoint = "https://www.baidu.com/s"

// baidu scrapes the desktop result page. Baidu interleaves ads and verbatim
// verification interstitials, both handled below.
type baidu struct {
	client   *http.Client
	endpoint string
}

func newBaidu(cfg relay.WebSearchSettings) *baidu {
	return &baidu{
		client:   newHTTPClient(cfg.TimeoutMS, defaultSearchTimeoutMS),
		endpoint: baiduEndpoint,
	}
}

func (b *baidu) Name() string { return "baidu" }

func (b *baidu) Search(ctx context.Context, query string, maxResults int) ([]SearchItem, error) {
	reqURL := fmt.Sprintf("%s?wd=%s&rn=%d", b.endpoint, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := b.client.Do(req)
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
	if isBaiduChallenge(doc) {
		return nil, blockedErr(relay.DetailCaptchaRequired)
	}

	var items []SearchItem
	doc.Find(".result, .c-container").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("h3 a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		snippet := sel.Find(".c-abstract").First().Text()
		if snippet == "" {
			snippet = sel.Find("[class*=content-right]").First().Text()
		}
		items = append(items, SearchItem{
			Title:   link.Text(),
			URL:     href,
			Snippet: snippet,
		})
		return len(items) < maxResults
	})
	return items, nil
}

func isBaiduChallenge(doc *goquery.Document) bool {
	title := doc.Find("title").First().Text()
	if strings.Contains(title, "百度安全验证") || strings.Contains(title, "验证码") {
		return true
	}
	return doc.Find("#passport-login-pop, .vcode-body").Length() > 0
}
