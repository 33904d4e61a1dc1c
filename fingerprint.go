package chatsync

import (
	"strconv"
	"strings"
	"time"
)

// fingerprintBucket quantizes timestamps so the push channel and the REST
// fallback, which disagree on clock by a little, still produce the same key
// for one logical message.
const fingerprintBucket = 5 // seconds

// Fingerprint derives the dedup key for a message. Two deliveries of the same
// logical message map to the same fingerprint as long as they land within the
// same 5-second bucket.
func Fingerprint(senderID, recipientID, text, attachmentRef string, ts time.Time) string {
	parts := []string{
		normalizeID(senderID),
		normalizeID(recipientID),
		strings.TrimSpace(text),
		attachmentRef,
		strconv.FormatInt(ts.Unix()/fingerprintBucket, 10),
	}
	return strings.Join(parts, "|")
}

// FingerprintCache is a bounded, oldest-first-evicting set of fingerprints. It
// gates insertion into the conversation buffer so a message delivered via both
// the channel and a REST fetch lands exactly once.
//
// The cache is owned by the engine and mutated only under its lock.
type FingerprintCache struct {
	limit int
	order []string
	seen  map[string]struct{}
}

// DefaultFingerprintLimit bounds memory for long-running sessions.
const DefaultFingerprintLimit = 100

// NewFingerprintCache creates a cache holding at most limit fingerprints.
// A non-positive limit falls back to DefaultFingerprintLimit.
func NewFingerprintCache(limit int) *FingerprintCache {
	if limit <= 0 {
		limit = DefaultFingerprintLimit
	}
	return &FingerprintCache{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// Seen reports whether fp has been remembered and not yet evicted.
func (c *FingerprintCache) Seen(fp string) bool {
	_, ok := c.seen[fp]
	return ok
}

// Remember records fp, evicting the oldest entry once the bound is exceeded.
// Remembering an already-known fingerprint is a no-op.
func (c *FingerprintCache) Remember(fp string) {
	if _, ok := c.seen[fp]; ok {
		return
	}
	c.seen[fp] = struct{}{}
	c.order = append(c.order, fp)
	for len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
}

// Forget removes fp, used when an optimistic send is rolled back so the user's
// retry of the identical message is not swallowed as a duplicate.
func (c *FingerprintCache) Forget(fp string) {
	if _, ok := c.seen[fp]; !ok {
		return
	}
	delete(c.seen, fp)
	for i, f := range c.order {
		if f == fp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of live fingerprints.
func (c *FingerprintCache) Len() int {
	return len(c.seen)
}

// Reset drops all entries. Called on peer switch and logout.
func (c *FingerprintCache) Reset() {
	c.order = nil
	c.seen = make(map[string]struct{})
}
