package transport

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a stored HTML GET response.
type CacheEntry struct {
	Key         string
	Body        []byte
	Status      int
	ContentType string
	StoredAt    time.Time
	TTL         time.Duration
}

// Age returns how long the entry has been cached.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Expired reports now - stored_at > ttl.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.Age(now) > e.TTL
}

// CacheStats 缓存统计。
type CacheStats struct {
	Total   int           `json:"total"`
	Active  int           `json:"active"`
	Expired int           `json:"expired"`
	TTL     time.Duration `json:"ttl"`
}

// ResponseCache is a mutex guarded TTL map of successful HTML responses.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewResponseCache creates a cache whose entries live for ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the default entry lifetime.
func (c *ResponseCache) TTL() time.Duration {
	return c.ttl
}

// Get returns a live entry; expired entries are dropped on read.
func (c *ResponseCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	if entry.Expired(c.now()) {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	return entry, true
}

// Put stores entry under key. Anything other than a 200 HTML response is ignored.
func (c *ResponseCache) Put(key string, entry CacheEntry) bool {
	if entry.Status != http.StatusOK || !IsHTML(entry.ContentType) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Key = key
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}
	if entry.TTL <= 0 {
		entry.TTL = c.ttl
	}
	c.entries[key] = entry
	return true
}

// Delete drops key if present.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// PurgeExpired removes expired entries and returns how many were removed.
func (c *ResponseCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats counts live and expired entries without mutating the map.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := CacheStats{Total: len(c.entries), TTL: c.ttl}
	for _, entry := range c.entries {
		if entry.Expired(now) {
			stats.Expired++
		} else {
			stats.Active++
		}
	}
	return stats
}

// CacheKey normalises method and URL: lowercase scheme/host, no fragment, sorted query.
func CacheKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return method + " " + rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return method + " " + u.String()
}

// IsHTML reports whether a Content-Type header denotes an HTML document.
func IsHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Cacheable reports whether a response may be stored.
func Cacheable(method string, status int, contentType string) bool {
	return strings.EqualFold(method, http.MethodGet) && status == http.StatusOK && IsHTML(contentType)
}
