package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nevindra/relay"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; RelayBot/1.0)"

const defaultSearchTimeoutMS = 10000

func newHTTPClient(timeoutMS, def int) *http.Client {
	ms := ClampTimeoutMS(timeoutMS, def)
	return &http.Client{Timeout: time.Duration(ms) * time.Millisecond}
}

// readCapped drains at most max bytes of a response body.
func readCapped(r io.Reader, max int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return string(b)
}

// mapNetErr classifies a transport failure: deadline expiry becomes a
// retryable Timeout, everything else a retryable NetworkError.
func mapNetErr(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &relay.Error{Code: relay.CodeTimeout, Message: "request timed out", Retryable: true}
	}
	return &relay.Error{Code: relay.CodeNetworkError, Message: err.Error(), Retryable: true}
}

// blockedErr builds the rate-limit/blocked error. The message is fixed
// regardless of the triggering status so callers surface a consistent
// user-facing string.
func blockedErr(detail string) error {
	return &relay.Error{
		Code:       relay.CodeWebBlocked,
		Message:    "请求过于频繁或被限制（如 403/429），请稍后再试。",
		Retryable:  true,
		DetailCode: detail,
	}
}

// statusErr maps a non-200 search response to the error taxonomy shared by
// the HTML-scraping backends.
func statusErr(status int) error {
	switch {
	case status == http.StatusForbidden:
		return blockedErr(relay.DetailHTTP403)
	case status == http.StatusTooManyRequests:
		return blockedErr(relay.DetailHTTP429)
	case status >= 500:
		return &relay.Error{Code: relay.CodeBadGateway, Message: http.StatusText(status), Retryable: true}
	}
	return relay.Ef(relay.CodeWebProviderError, "unexpected status %d", status)
}
