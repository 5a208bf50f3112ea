// Package seen implements the deduplication sets used by the router.
//
// A node forwards each message and each acknowledgement at most once. Before
// relaying, the router calls Add with the item's hash: true means the item is
// new and may be forwarded, false means it was already handled.
//
// By default entries are kept for the lifetime of the process. A Capacity
// bounds the set with LRU eviction and an Expiry forgets entries after a
// while; both trade loop protection for memory on long-running nodes.
package seen

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Config bounds a Cache. The zero value is an unbounded, non-expiring set.
type Config struct {
	Capacity int           // max entries; 0 = unbounded
	Expiry   time.Duration // entry lifetime; 0 = never expires
}

// Cache is a concurrent-safe set of message hashes.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	bounded *lru.Cache          // when Capacity > 0
	entries map[int64]time.Time // otherwise; zero time = no expiry
	now     func() time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	c := &Cache{cfg: cfg, now: time.Now}
	if cfg.Capacity > 0 {
		// lru.New only fails for a non-positive size.
		c.bounded, _ = lru.New(cfg.Capacity)
	} else {
		c.entries = make(map[int64]time.Time)
	}
	return c
}

func (c *Cache) deadline() time.Time {
	if c.cfg.Expiry <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.cfg.Expiry)
}

func (c *Cache) live(exp time.Time) bool {
	return exp.IsZero() || c.now().Before(exp)
}

func (c *Cache) lookup(key int64) (time.Time, bool) {
	if c.bounded != nil {
		v, ok := c.bounded.Get(key)
		if !ok {
			return time.Time{}, false
		}
		return v.(time.Time), true
	}
	exp, ok := c.entries[key]
	return exp, ok
}

func (c *Cache) remove(key int64) {
	if c.bounded != nil {
		c.bounded.Remove(key)
		return
	}
	delete(c.entries, key)
}

// Has reports whether key was added and is still live.
func (c *Cache) Has(key int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.lookup(key)
	if !ok {
		return false
	}
	if !c.live(exp) {
		c.remove(key)
		return false
	}
	return true
}

// Add records key. It returns true if key was not already present.
func (c *Cache) Add(key int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.lookup(key); ok && c.live(exp) {
		return false
	}
	if c.bounded != nil {
		c.bounded.Add(key, c.deadline())
	} else {
		c.entries[key] = c.deadline()
	}
	return true
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.entries)
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	if c.cfg.Expiry <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	if c.bounded != nil {
		for _, k := range c.bounded.Keys() {
			if v, ok := c.bounded.Peek(k); ok && !c.live(v.(time.Time)) {
				c.bounded.Remove(k)
				n++
			}
		}
		return n
	}
	for k, exp := range c.entries {
		if !c.live(exp) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
