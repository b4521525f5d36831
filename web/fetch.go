package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/relay"
)

const (
	defaultFetchTimeoutMS = 15000
	defaultFetchMaxBytes  = 5 << 20 // 5MiB

	fetchMaxAttempts = 3
	fetchMaxHops     = 5
)

// httpFetcher downloads pages with SSRF guarding, bounded reads, and retry on
// transient upstream failures. Extractions are cached by normalized URL.
type httpFetcher struct {
	client   *http.Client
	cache    relay.FetchCache
	maxBytes int64
	logger   *slog.Logger
	sleep    func(time.Duration)

	// allowPrivate disables the SSRF guard for loopback test servers.
	allowPrivate bool
}

func newHTTPFetcher(cfg relay.WebFetchSettings, cache relay.FetchCache, logger *slog.Logger) *httpFetcher {
	f := &httpFetcher{
		cache:    cache,
		maxBytes: cfg.MaxBytes,
		logger:   logger,
		sleep:    time.Sleep,
	}
	if f.maxBytes <= 0 {
		f.maxBytes = defaultFetchMaxBytes
	}
	ms := ClampTimeoutMS(cfg.TimeoutMS, defaultFetchTimeoutMS)
	f.client = &http.Client{
		Timeout: time.Duration(ms) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxHops {
				return fmt.Errorf("stopped after %d redirects", fetchMaxHops)
			}
			if f.allowPrivate {
				return nil
			}
			// Every hop gets the same guard; a public page must not
			// redirect us into the private network.
			return checkTargetAddr(req.Context(), req.URL)
		},
	}
	return f
}

func (f *httpFetcher) Name() string { return "http" }

func (f *httpFetcher) Fetch(ctx context.Context, rawURL, artifactDir string) (*FetchResult, error) {
	normalized := NormalizeURL(rawURL)

	// Artifact requests bypass the cache: the raw body is not cached and
	// the caller asked for it on disk.
	if f.cache != nil && artifactDir == "" {
		if entry, found, err := f.cache.GetFetch(ctx, normalized); err == nil && found {
			return &FetchResult{
				URL:              entry.URL,
				Title:            entry.Title,
				StatusCode:       entry.Status,
				ContentType:      entry.ContentType,
				Text:             entry.ExtractedText,
				ExtractedText:    entry.ExtractedText,
				ExtractionMethod: entry.ExtractionMethod,
				ParagraphsCount:  countParagraphs(entry.ExtractedText),
				CacheHit:         true,
			}, nil
		}
	}

	target, err := url.Parse(normalized)
	if err != nil {
		return nil, relay.Ef(relay.CodeInvalidInput, "parse url: %v", err)
	}
	if !f.allowPrivate {
		if err := checkTargetAddr(ctx, target); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < fetchMaxAttempts; attempt++ {
		if attempt > 0 {
			f.sleep(time.Duration(1<<attempt) * time.Second)
		}
		res, body, err := f.fetchOnce(ctx, normalized)
		if err == nil {
			if artifactDir != "" {
				paths, aerr := writeFetchArtifacts(artifactDir, res, body)
				if aerr != nil {
					return nil, relay.Ef(relay.CodeRuntimeError, "write fetch artifacts: %v", aerr)
				}
				res.ArtifactPaths = paths
			}
			if f.cache != nil {
				// Best-effort; a failed write is just a future miss.
				if cerr := f.cache.PutFetch(ctx, &relay.FetchCacheEntry{
					URL:              normalized,
					Title:            res.Title,
					ContentType:      res.ContentType,
					ExtractedText:    res.ExtractedText,
					ExtractionMethod: res.ExtractionMethod,
					Status:           res.StatusCode,
				}); cerr != nil {
					f.logger.Debug("fetch cache write failed", "url", normalized, "error", cerr)
				}
			}
			return res, nil
		}
		lastErr = err
		if !fetchRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// fetchRetryable gates the retry loop: rate limiting, upstream 5xx, and
// timeouts warrant another attempt. A 403 is a block, not a transient
// failure, even though the blocked error is retryable at the run level.
func fetchRetryable(err error) bool {
	switch relay.CodeOf(err) {
	case relay.CodeBadGateway, relay.CodeTimeout:
		return true
	case relay.CodeWebBlocked:
		return relay.DetailOf(err) == relay.DetailHTTP429
	}
	return false
}

func (f *httpFetcher) fetchOnce(ctx context.Context, target string) (*FetchResult, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		var coded *relay.Error
		if errors.As(err, &coded) {
			return nil, nil, coded
		}
		return nil, nil, mapNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, nil, blockedErr(relay.DetailHTTP403)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, blockedErr(relay.DetailHTTP429)
	case resp.StatusCode >= 500:
		return nil, nil, &relay.Error{Code: relay.CodeBadGateway, Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode >= 400:
		return nil, nil, relay.Ef(relay.CodeNetworkError, "upstream returned status %d", resp.StatusCode)
	}

	// Read one byte past the cap to distinguish an exact-size body from a
	// truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, nil, mapNetErr(err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	contentType := resp.Header.Get("Content-Type")
	text, title, method := extract(body, contentType, target)

	res := &FetchResult{
		URL:              target,
		Title:            title,
		StatusCode:       resp.StatusCode,
		ContentType:      contentType,
		ExtractedText:    text,
		ExtractionMethod: method,
		ParagraphsCount:  countParagraphs(text),
		Truncated:        truncated,
	}
	if textualContentType(contentType) {
		res.Text = string(body)
	} else {
		res.Text = text
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if final := resp.Request.URL.String(); final != target {
			res.FinalURL = final
		}
	}
	return res, body, nil
}

// textualContentType reports whether the raw body is safe to return inline
// as text. Binary formats (PDF and friends) surface only their extraction.
func textualContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "html") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "json")
}

// countParagraphs counts blank-line separated blocks in extracted text.
func countParagraphs(text string) int {
	n := 0
	for _, block := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(block) != "" {
			n++
		}
	}
	return n
}

// writeFetchArtifacts persists the raw body, the extraction, and a metadata
// record under dir, returning the three paths.
func writeFetchArtifacts(dir string, res *FetchResult, body []byte) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta, err := json.MarshalIndent(map[string]any{
		"url":               res.URL,
		"final_url":         res.FinalURL,
		"status_code":       res.StatusCode,
		"content_type":      res.ContentType,
		"extraction_method": res.ExtractionMethod,
		"paragraphs_count":  res.ParagraphsCount,
		"truncated":         res.Truncated,
		"fetched_at":        relay.NowUnixMilli(),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	paths := []string{
		filepath.Join(dir, "raw.html"),
		filepath.Join(dir, "extracted.txt"),
		filepath.Join(dir, "meta.json"),
	}
	for i, data := range [][]byte{body, []byte(res.ExtractedText), meta} {
		if err := os.WriteFile(paths[i], data, 0o644); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// NormalizeURL canonicalizes a fetch target for caching and dedupe: the
// fragment is dropped along with tracking query parameters.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	switch key {
	case "spm", "fbclid", "gclid", "igshid":
		return true
	}
	return false
}

// checkTargetAddr resolves the host and rejects any address inside private,
// loopback, or link-local ranges.
func checkTargetAddr(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return relay.E(relay.CodeInvalidInput, "url has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if !publicIP(ip) {
			return ssrfErr(host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return mapNetErr(err)
	}
	for _, addr := range addrs {
		if !publicIP(addr.IP) {
			return ssrfErr(host)
		}
	}
	return nil
}

func ssrfErr(host string) error {
	return relay.Ef(relay.CodeSSRFBlocked, "host %q resolves to a private or local address", host)
}

// publicIP reports whether an address is routable from the public internet.
// Covers loopback, RFC 1918, link-local, unique-local (fc00::/7), and the
// unspecified address.
func publicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 == nil {
		// fc00::/7 unique-local.
		if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
			return false
		}
	}
	return true
}
