// Package ipro holds the in-place resource optimization cache: optimized
// response bodies keyed by URL, so repeat fetches of the same resource are
// served without going back through the rewrite pipeline.
package ipro

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edgespeed/edgespeed/internal/headers"
)

// Entry is one cached optimized resource.
type Entry struct {
	URL      string
	Body     []byte
	Headers  *headers.Snapshot
	StoredAt time.Time
}

// Cache is an expiring LRU of optimized resources.
type Cache struct {
	lru *expirable.LRU[string, *Entry]
}

// NewCache allocates a cache holding up to size entries for at most ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, *Entry](size, nil, ttl)}
}

// Lookup returns the cached entry for url, if any.
func (c *Cache) Lookup(url string) (*Entry, bool) {
	return c.lru.Get(url)
}

// Store records an optimized resource. Uncacheable responses are refused so
// no-store and private content never ends up served to another client.
func (c *Cache) Store(url string, body []byte, snap *headers.Snapshot) bool {
	if !snap.Cacheable() {
		return false
	}
	c.lru.Add(url, &Entry{
		URL:      url,
		Body:     body,
		Headers:  snap.Clone(),
		StoredAt: time.Now(),
	})
	return true
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
