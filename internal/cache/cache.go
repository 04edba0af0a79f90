package cache

import (
	"strings"
	"time"

	"github.com/Velocidex/ttlcache/v2"
)

// Key identifies a cached query result. Scope is the relation or view type
// the result depends on; Variant distinguishes parameterisations of the same
// query (limit, lookup value, operation filter).
type Key struct {
	Scope   string
	Variant string
}

func (k Key) String() string {
	return k.Scope + "/" + k.Variant
}

// Cache is a TTL query cache owned by one service instance. Entries can be
// dropped per scope when a write touches that scope.
type Cache struct {
	lru *ttlcache.Cache
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration, maxEntries int) *Cache {
	lru := ttlcache.NewCache()
	_ = lru.SetTTL(ttl)
	if maxEntries > 0 {
		lru.SetCacheSizeLimit(maxEntries)
	}
	// Reads must not extend an entry's lifetime past ttl.
	lru.SkipTTLExtensionOnHit(true)
	return &Cache{lru: lru}
}

// Get returns a cached value if present and unexpired.
func (c *Cache) Get(key Key) (interface{}, bool) {
	v, err := c.lru.Get(key.String())
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores a value.
func (c *Cache) Set(key Key, value interface{}) {
	_ = c.lru.Set(key.String(), value)
}

// Invalidate drops every entry cached under one of the given scopes.
func (c *Cache) Invalidate(scopes ...string) {
	if len(scopes) == 0 {
		return
	}
	for _, k := range c.lru.GetKeys() {
		for _, scope := range scopes {
			if strings.HasPrefix(k, scope+"/") {
				_ = c.lru.Remove(k)
				break
			}
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	_ = c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Count()
}

// Close stops the expiry goroutine.
func (c *Cache) Close() error {
	return c.lru.Close()
}
