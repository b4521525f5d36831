package relay

import "context"

// FetchCacheEntry is one cached fetch extraction, keyed by normalized URL.
type FetchCacheEntry struct {
	URL              string `json:"url"`
	Title            string `json:"title,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	ExtractedText    string `json:"extracted_text"`
	ExtractionMethod string `json:"extraction_method"`
	Status           int    `json:"status"`
	FetchedAt        int64  `json:"fetched_at"`
}

// FetchCache stores fetch extractions so repeated research over the same
// sources skips the network. Implementations are best-effort: callers treat
// errors as cache misses.
type FetchCache interface {
	GetFetch(ctx context.Context, url string) (*FetchCacheEntry, bool, error)
	PutFetch(ctx context.Context, entry *FetchCacheEntry) error
}
