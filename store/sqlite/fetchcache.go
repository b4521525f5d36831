package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nevindra/relay"
)

var _ relay.FetchCache = (*Store)(nil)

// GetFetch returns the cached extraction for a normalized URL.
func (s *Store) GetFetch(ctx context.Context, url string) (*relay.FetchCacheEntry, bool, error) {
	var (
		e           relay.FetchCacheEntry
		title       sql.NullString
		contentType sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, title, content_type, extracted_text, extraction_method, status, fetched_at
		 FROM fetch_cache WHERE url = ?`, url,
	).Scan(&e.URL, &title, &contentType, &e.ExtractedText, &e.ExtractionMethod, &e.Status, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get fetch cache: %w", err)
	}
	e.Title = title.String
	e.ContentType = contentType.String
	return &e, true, nil
}

// PutFetch stores an extraction, replacing any previous entry for the URL.
func (s *Store) PutFetch(ctx context.Context, entry *relay.FetchCacheEntry) error {
	if entry.FetchedAt == 0 {
		entry.FetchedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO fetch_cache (url, title, content_type, extracted_text, extraction_method, status, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.URL, nullStr(entry.Title), nullStr(entry.ContentType), entry.ExtractedText, entry.ExtractionMethod, entry.Status, entry.FetchedAt)
	if err != nil {
		return fmt.Errorf("put fetch cache: %w", err)
	}
	return nil
}
