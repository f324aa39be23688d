// Package dedupe guards outbound and inbound messaging against
// double delivery.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const DefaultWindow = 60 * time.Second

// Cache suppresses repeated sends of the same content to the same
// recipient inside a short window. Entries expire; the window only has
// to cover model retry storms, not history.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewCache(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		window:  window,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Seen reports whether the same body was sent to recipient inside the
// window. A miss records the send, so the first caller wins.
func (c *Cache) Seen(recipient, body string) bool {
	key := recipient + "|" + contentHash(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purge(now)

	if sentAt, ok := c.entries[key]; ok && now.Sub(sentAt) < c.window {
		return true
	}
	c.entries[key] = now
	return false
}

func (c *Cache) purge(now time.Time) {
	for key, sentAt := range c.entries {
		if now.Sub(sentAt) >= c.window {
			delete(c.entries, key)
		}
	}
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
