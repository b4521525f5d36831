package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Fact scopes, in ascending precedence: session entries override project
// entries override global entries with the same key.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
	ScopeSession = "session"
)

// FactStatusActive marks facts included in the active set.
const FactStatusActive = "active"

// Fact is one user-scoped knowledge entry.
type Fact struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Status    string `json:"status"`
	Scope     string `json:"scope"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// FactStore lists facts from durable storage.
type FactStore interface {
	ListFacts(ctx context.Context, scope, status, sessionID, projectID string) ([]Fact, error)
}

// FactsSnapshotSource values recorded in envelopes.
const (
	FactsSourceProvided     = "provided"
	FactsSourceStore        = "store"
	FactsSourceFallbackZero = "fallback_zero"
)

// FactSource fetches the active facts set for a conversation.
// Implementations: the in-process store merge below, or an HTTP collaborator.
type FactSource interface {
	ActiveFacts(ctx context.Context, conversationID string, limit int) ([]Fact, string, error)
}

// DefaultFactsLimit bounds the active set passed to handlers.
const DefaultFactsLimit = 100

// MergeActiveFacts merges fact lists by key with precedence
// session > project > global, keeping only status=active entries.
// The result is stably sorted by (key, id).
func MergeActiveFacts(global, project, session []Fact) []Fact {
	byKey := map[string]Fact{}
	for _, layer := range [][]Fact{global, project, session} {
		for _, f := range layer {
			if !strings.EqualFold(f.Status, FactStatusActive) {
				continue
			}
			byKey[f.Key] = f
		}
	}
	merged := make([]Fact, 0, len(byKey))
	for _, f := range byKey {
		merged = append(merged, f)
	}
	SortFacts(merged)
	return merged
}

// SortFacts stably sorts facts by (key, id).
func SortFacts(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Key != facts[j].Key {
			return facts[i].Key < facts[j].Key
		}
		return facts[i].ID < facts[j].ID
	})
}

// storeFactSource merges global and session facts from a FactStore.
type storeFactSource struct {
	store  FactStore
	logger *slog.Logger
}

// NewStoreFactSource returns a FactSource backed by an in-process FactStore.
// Any store failure is classified and degrades to an empty set with source
// fallback_zero — never a partial set.
func NewStoreFactSource(store FactStore, logger *slog.Logger) FactSource {
	if logger == nil {
		logger = nopLogger
	}
	return &storeFactSource{store: store, logger: logger}
}

func (s *storeFactSource) ActiveFacts(ctx context.Context, conversationID string, limit int) ([]Fact, string, error) {
	if limit <= 0 {
		limit = DefaultFactsLimit
	}
	global, err := s.store.ListFacts(ctx, ScopeGlobal, FactStatusActive, "", "")
	if err != nil {
		s.logger.Warn("facts fetch failed", "scope", ScopeGlobal, "class", classifyFactsError(err), "error", err)
		return []Fact{}, FactsSourceFallbackZero, nil
	}
	var session []Fact
	if conversationID != "" {
		session, err = s.store.ListFacts(ctx, ScopeSession, FactStatusActive, conversationID, "")
		if err != nil {
			s.logger.Warn("facts fetch failed", "scope", ScopeSession, "class", classifyFactsError(err), "error", err)
			return []Fact{}, FactsSourceFallbackZero, nil
		}
	}
	merged := MergeActiveFacts(global, nil, session)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, FactsSourceStore, nil
}

// classifyFactsError buckets a facts fetch failure for logging.
func classifyFactsError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"), strings.Contains(msg, "schema"):
		return "schema"
	case strings.Contains(msg, "database"), strings.Contains(msg, "sql"), strings.Contains(msg, "connection"):
		return "db"
	case strings.Contains(msg, "json"), strings.Contains(msg, "unmarshal"):
		return "serialization"
	}
	return "unknown"
}

// ComputeFactsSnapshotID returns the SHA-256 hex of the canonical JSON of the
// sorted active set. Only {id, key, value} participate; values are
// canonicalized (maps marshal with sorted keys, nil becomes ""). The same set
// always yields the same id regardless of input order.
func ComputeFactsSnapshotID(facts []Fact) string {
	sorted := make([]Fact, len(facts))
	copy(sorted, facts)
	SortFacts(sorted)

	entries := make([]map[string]any, 0, len(sorted))
	for _, f := range sorted {
		entries = append(entries, map[string]any{
			"id":    f.ID,
			"key":   f.Key,
			"value": CanonicalValue(f.Value),
		})
	}
	// encoding/json marshals map keys in sorted order with compact
	// separators, which is exactly the canonical form required here.
	data, err := json.Marshal(entries)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", entries))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalValue normalizes a fact value for hashing: nil becomes "",
// objects and arrays are serialized as canonical JSON strings, scalars pass
// through.
func CanonicalValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string, bool, float64, int, int64:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// RenderFactsBlock formats the active set as the canonical prompt block
// consumed by task handlers. Empty sets render as an empty string.
func RenderFactsBlock(facts []Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Active facts:\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %v\n", f.Key, CanonicalValue(f.Value))
	}
	return b.String()
}
