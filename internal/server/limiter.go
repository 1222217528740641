package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/josephgoksu/NoteWing/internal/knowledge"
)

// RateLimiter decides whether a key may make another request.
type RateLimiter interface {
	Allow(key string) bool
}

// OwnerLimiter allows perWindow requests per owner in fixed windows. Windows
// live in an LRU bounded to maxOwners; an evicted owner starts a fresh window.
type OwnerLimiter struct {
	mu        sync.Mutex
	perWindow int
	windows   *expirable.LRU[string, *int]
}

// NewOwnerLimiter returns a limiter allowing perWindow requests per window.
func NewOwnerLimiter(perWindow, maxOwners int, window time.Duration) *OwnerLimiter {
	return &OwnerLimiter{
		perWindow: perWindow,
		windows:   expirable.NewLRU[string, *int](maxOwners, nil, window),
	}
}

func (l *OwnerLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Get does not extend the entry's lifetime, so the window ends ttl after
	// the first request in it.
	if count, ok := l.windows.Get(key); ok {
		if *count >= l.perWindow {
			return false
		}
		*count++
		return true
	}
	first := 1
	l.windows.Add(key, &first)
	return l.perWindow > 0
}

// SearchCache holds recent search responses.
type SearchCache interface {
	Get(key string) (*knowledge.Response, bool)
	Add(key string, resp *knowledge.Response)
	InvalidateOwner(owner string)
}

// ResponseCache is an expiring LRU of search responses keyed per owner.
type ResponseCache struct {
	lru *expirable.LRU[string, *knowledge.Response]
}

// NewResponseCache returns a cache of size entries that expire after ttl.
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{lru: expirable.NewLRU[string, *knowledge.Response](size, nil, ttl)}
}

func (c *ResponseCache) Get(key string) (*knowledge.Response, bool) { return c.lru.Get(key) }

func (c *ResponseCache) Add(key string, resp *knowledge.Response) { c.lru.Add(key, resp) }

// InvalidateOwner drops every cached response for owner, so a write is
// visible to that owner's next search.
func (c *ResponseCache) InvalidateOwner(owner string) {
	prefix := owner + "\x00"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

func searchCacheKey(req knowledge.Request) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%s",
		req.Owner, strings.ToLower(req.Query), req.Limit, req.Category, req.Type)
}
