// Package cache holds a bounded TTL cache of blocking-path answers so that
// re-submitting an identical question does not spend upstream quota twice.
// The streaming path never reads or fills it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mixaill76/solver_relay/internal/gemini"
	"github.com/mixaill76/solver_relay/internal/relay"
)

type cachedAnswer struct {
	result   *relay.Result
	cachedAt time.Time
}

// AnswerCache is an LRU+TTL cache keyed by a digest of the full request
// (model, prompt, image bytes). Thread-safe.
type AnswerCache struct {
	cache *lru.Cache[string, *cachedAnswer]
	ttl   time.Duration
}

func New(maxEntries int, ttl time.Duration) (*AnswerCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	inner, err := lru.New[string, *cachedAnswer](maxEntries)
	if err != nil {
		return nil, err
	}

	return &AnswerCache{
		cache: inner,
		ttl:   ttl,
	}, nil
}

// Key derives the cache key for one request. Image bytes participate in the
// digest so visually different uploads never collide.
func Key(model, prompt string, images []gemini.ImagePart) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	for _, img := range images {
		h.Write([]byte{0})
		h.Write([]byte(img.MIMEType))
		h.Write([]byte{0})
		h.Write(img.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key, or nil, false when absent or
// expired. Expired entries are removed lazily.
func (c *AnswerCache) Get(key string) (*relay.Result, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		c.cache.Remove(key)
		return nil, false
	}

	return entry.result, true
}

// Put stores a successful result. Empty answers are never cached.
func (c *AnswerCache) Put(key string, result *relay.Result) {
	if c == nil || c.cache == nil || result == nil || result.Answer == "" {
		return
	}

	c.cache.Add(key, &cachedAnswer{
		result:   result,
		cachedAt: time.Now(),
	})
}

// Len returns the number of live entries (expired entries may be counted
// until their next lookup).
func (c *AnswerCache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
