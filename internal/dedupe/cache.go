// ABOUTME: Thread-safe TTL and size-bounded seen-key cache
// ABOUTME: Suppresses duplicate attention notifications within a window

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key     string
	expires time.Time
}

// Cache remembers keys for a fixed window. When full, the least recently
// marked key is evicted first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, least recently marked at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithoutSweeper disables the background expiry goroutine. Expired keys are
// still ignored on lookup and reclaimed on eviction.
func WithoutSweeper() Option {
	return func(c *Cache) { c.done = nil }
}

// New creates a cache holding keys for ttl, bounded to maxSize keys. Unless
// WithoutSweeper is given, a goroutine reclaims expired keys until Close.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.done != nil {
		go c.sweepLoop(sweepInterval(ttl))
	}
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	}
	return ttl
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// Seen reports whether key was marked within the window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark atomically reports whether key is a repeat and, if it is not,
// marks it. A repeat does not extend the window.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen, restarting its window.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget drops key so the next CheckAndMark reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of keys held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every key.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.order.Init()
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*entry).expires)
}

func (c *Cache) markLocked(key string) {
	expires := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).expires = expires
		c.order.MoveToBack(el)
		return
	}
	for len(c.entries) >= c.maxSize {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.entries, front.Value.(*entry).key)
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, expires: expires})
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes expired keys and returns how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.expires) {
			c.order.Remove(el)
			delete(c.entries, e.key)
			removed++
		}
		el = next
	}
	return removed
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	if c.done == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}
