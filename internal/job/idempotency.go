package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// DefaultKeyTTL is the expiry horizon for idempotency key entries.
const DefaultKeyTTL = 24 * time.Hour

// KeyEntry maps a caller-supplied idempotency key, within an operation
// scope, to the job it resolved to. (key, scope) is unique while unexpired.
type KeyEntry struct {
	Key         string    `json:"key"`
	Scope       string    `json:"scope"`
	RequestHash string    `json:"requestHash"`
	JobID       string    `json:"jobId"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the entry's expiry horizon has passed.
// An entry expiring exactly at now counts as expired, matching the
// predicate the cleanup sweep deletes by.
func (e *KeyEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Clone returns a copy of the entry.
func (e *KeyEntry) Clone() *KeyEntry {
	cp := *e
	return &cp
}

// HashRequest computes the deterministic digest of a request body used to
// detect idempotency key reuse with a different payload. The body is
// normalized by decoding and re-encoding as JSON, which sorts object keys
// and strips insignificant whitespace; a body that is not valid JSON is
// hashed as-is.
func HashRequest(body []byte) string {
	if len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			if normalized, err := json.Marshal(decoded); err == nil {
				body = normalized
			}
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
