// Package tokencache is the in-process session token cache.
//
// Entries hold a Computation rather than a finished token so that callers
// arriving while a fetch is in flight attach to it instead of starting a
// second request. Staleness is evaluated against the clock at lookup time;
// there are no per-entry timers and nothing is evicted in the background.
package tokencache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is one cached computation.
type Entry struct {
	Key         Key
	Computation *Computation
	InsertedAt  time.Time
}

// Cache maps keys to token computations.
type Cache struct {
	mu    sync.Mutex
	items *gocache.Cache
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache. The underlying store has no default
// expiration and no janitor.
func New(opts ...Option) *Cache {
	c := &Cache{
		items: gocache.New(gocache.NoExpiration, 0),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key if it is present and fresh for leeway.
// A stale entry is reported as a miss but left in place; the caller is
// expected to Set a replacement.
func (c *Cache) Get(key Key, leeway time.Duration) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, leeway)
}

// Set stores computation under key, replacing whatever was there.
func (c *Cache) Set(key Key, computation *Computation) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(key, computation)
}

// GetOrSet returns the fresh entry for key, or stores the computation built
// by create and returns it. The lookup and the store happen under one lock
// hold, so concurrent callers for the same key share a single computation.
// loaded reports whether an existing entry was returned.
func (c *Cache) GetOrSet(key Key, leeway time.Duration, create func() *Computation) (entry *Entry, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.lookup(key, leeway); ok {
		return entry, true
	}
	return c.store(key, create()), false
}

// Clear drops every entry. In-flight computations keep running; their
// results are simply never read from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Flush()
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

func (c *Cache) lookup(key Key, leeway time.Duration) (*Entry, bool) {
	k := key.String()
	v, ok := c.items.Get(k)
	if !ok {
		return nil, false
	}
	entry := v.(*Entry)

	tok, settled, err := entry.Computation.peek()
	if !settled {
		return entry, true
	}
	if err != nil {
		c.items.Delete(k)
		return nil, false
	}
	if tok.ExpiresWithin(c.now(), leeway) {
		return nil, false
	}
	return entry, true
}

func (c *Cache) store(key Key, computation *Computation) *Entry {
	entry := &Entry{
		Key:         key,
		Computation: computation,
		InsertedAt:  c.now(),
	}
	c.items.Set(key.String(), entry, gocache.NoExpiration)
	return entry
}
