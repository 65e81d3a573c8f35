// Package cache provides the process-lifetime memo table shared by the
// dispatchers of every job in a process. Entries expire a fixed TTL after
// insertion and the table never holds more than MaxItems entries.
package cache

import (
	"sync"
	"time"
)

const defaultPurgeBatch = 32

// Config bounds a Cache.
type Config struct {
	TTL        time.Duration
	MaxItems   int
	PurgeBatch int
}

type entry struct {
	value      []byte
	insertedAt time.Time
	expiresAt  time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries     int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// Cache is a TTL and capacity bounded map guarded by a single lock.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[Key]entry
	clock   func() time.Time

	hits, misses, evictions, expirations int64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New builds an empty cache. A MaxItems of zero or less disables storage:
// every Get misses and Put is a no-op.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = defaultPurgeBatch
	}
	c := &Cache{
		cfg:     cfg,
		entries: make(map[Key]entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value stored under key. Expired entries are purged
// and reported as a miss.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.clock().Before(e.expiresAt) {
		delete(c.entries, key)
		c.expirations++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key with the configured TTL.
func (c *Cache) Put(key Key, value []byte) {
	if c == nil {
		return
	}
	c.PutTTL(key, value, c.cfg.TTL)
}

// PutTTL stores value under key with an explicit TTL. The previous entry
// for key, if any, is replaced wholesale.
func (c *Cache) PutTTL(key Key, value []byte, ttl time.Duration) {
	if c == nil || c.cfg.MaxItems <= 0 || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxItems {
		c.makeRoom(now)
	}
	c.entries[key] = entry{value: value, insertedAt: now, expiresAt: now.Add(ttl)}
}

// makeRoom purges a bounded batch of expired entries and, if the table is
// still full, evicts the entry closest to expiry. Callers hold c.mu.
func (c *Cache) makeRoom(now time.Time) {
	purged := 0
	for k, e := range c.entries {
		if purged >= c.cfg.PurgeBatch {
			break
		}
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			c.expirations++
			purged++
		}
	}
	if len(c.entries) < c.cfg.MaxItems {
		return
	}
	var (
		victim  Key
		soonest time.Time
		found   bool
	)
	for k, e := range c.entries {
		if !found || e.expiresAt.Before(soonest) {
			victim, soonest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, victim)
		c.evictions++
	}
}

// Delete drops key if present.
func (c *Cache) Delete(key Key) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry and keeps the counters.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[Key]entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
