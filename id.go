package relay

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTraceID generates a 32-character lowercase hex trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// ValidTraceID reports whether s is a 32-character lowercase hex string.
func ValidTraceID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// RandomSuffix returns n random lowercase hex characters.
// Used for worker ids and exec ids.
func RandomSuffix(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a uuid-derived suffix rather than panicking.
		return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")[:n]
	}
	return hex.EncodeToString(b)[:n]
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current time as Unix milliseconds. Run timestamps and
// lease expiry use millisecond precision so lease-boundary comparisons are
// exact.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
