// Package cache provides a small in-memory TTL cache with a bounded item
// count. It backs hot-path lookups that must never touch the database, such
// as client request deduplication.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config tunes a Cache.
type Config struct {
	// DefaultTTL is how long an entry stays valid.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
	// MaxItems bounds the cache; the least recently used entry is evicted
	// when the bound is exceeded. Zero means unbounded.
	MaxItems int
	// OnEviction, when set, is invoked (without the cache lock held) for
	// entries removed by expiry or LRU pressure.
	OnEviction func(key string, value any)
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is a TTL+LRU cache safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	done    chan struct{}
	closing sync.Once
}

// New creates a cache and starts its cleanup goroutine.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	c := &Cache{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		order: list.New(),
		done:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	var evicted []*entry
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = time.Now().Add(c.cfg.DefaultTTL)
		c.order.MoveToFront(el)
	} else {
		ent := &entry{key: key, value: value, expiresAt: time.Now().Add(c.cfg.DefaultTTL)}
		c.items[key] = c.order.PushFront(ent)
	}
	for c.cfg.MaxItems > 0 && c.order.Len() > c.cfg.MaxItems {
		back := c.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.items, ent.key)
		evicted = append(evicted, ent)
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// Get returns the value for key and whether it was present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.closing.Do(func() { close(c.done) })
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	var evicted []*entry
	c.mu.Lock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.After(ent.expiresAt) {
			c.order.Remove(el)
			delete(c.items, ent.key)
			evicted = append(evicted, ent)
		}
		el = prev
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

func (c *Cache) notifyEvicted(evicted []*entry) {
	if c.cfg.OnEviction == nil {
		return
	}
	for _, ent := range evicted {
		c.cfg.OnEviction(ent.key, ent.value)
	}
}
