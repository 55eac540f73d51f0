package llm

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

const (
	// DefaultCacheSize is the default maximum number of cached responses.
	DefaultCacheSize = 100
	// DefaultCacheTTL is the default time-to-live for cache entries.
	DefaultCacheTTL = time.Hour
)

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Bypassed  int64   `json:"bypassed"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// ResponseCache memoizes deterministic completions. Only temperature==0
// calls are cacheable; everything else bypasses lookup and insert entirely.
// Eviction is strict LRU over a doubly-linked list + hash map so both
// lookup and insert stay O(1).
type ResponseCache struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	bypassed  int64
	evictions int64

	now func() time.Time // injectable clock for TTL tests
}

type cacheEntry struct {
	key        string
	value      Response
	insertedAt time.Time
	lastAccess time.Time
}

// NewResponseCache creates a cache, filling zero values with defaults.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		order:   list.New(),
		entries: make(map[string]*list.Element, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Cacheable reports whether a request is deterministic enough to cache.
func Cacheable(req CompletionRequest) bool { return req.Temperature == 0 }

// Key derives the cache key: SHA-256 over (model, canonical messages JSON,
// sorted params, temperature). Marshaling a fixed-field struct keeps the
// parameter order canonical.
func Key(req CompletionRequest) string {
	canonical := struct {
		Model           string    `json:"model"`
		Messages        []Message `json:"messages"`
		MaxTokens       int       `json:"max_tokens"`
		ReasoningEffort string    `json:"reasoning_effort"`
		Temperature     float64   `json:"temperature"`
	}{req.Model, req.Messages, req.MaxTokens, req.ReasoningEffort, req.Temperature}

	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached response for key. Expired entries are purged and
// count as misses.
func (c *ResponseCache) Lookup(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return Response{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.insertedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return Response{}, false
	}
	entry.lastAccess = c.now()
	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Insert stores a response, evicting the least recently used entry when full.
func (c *ResponseCache) Insert(key string, value Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.insertedAt = c.now()
		entry.lastAccess = c.now()
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
			c.evictions++
		}
	}

	now := c.now()
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:        key,
		value:      value,
		insertedAt: now,
		lastAccess: now,
	})
}

// Bypass counts a non-deterministic call that skipped the cache.
func (c *ResponseCache) Bypass() {
	c.mu.Lock()
	c.bypassed++
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Bypassed:  c.bypassed,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
