// ABOUTME: Thread-safe TTL window for suppressing repeated notifications
// ABOUTME: Used by the notifier so a conversation escalated twice in a window alerts once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired keys are swept.
const DefaultCleanupInterval = time.Minute

// window stores when a key was last admitted and its place in eviction order.
type window struct {
	admittedAt time.Time
	element    *list.Element
}

// Cache remembers keys for a TTL and bounds how many it holds, evicting the
// oldest admission first.
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*window
	order   *list.List // oldest admission at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Cache and starts its background sweep.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, DefaultCleanupInterval, time.Now)
}

// NewWithClock creates a Cache with an explicit sweep interval and clock.
// A non-positive interval disables the background sweep.
func NewWithClock(ttl time.Duration, maxSize int, cleanupInterval time.Duration, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		keys:    make(map[string]*window),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.sweepEvery(cleanupInterval)
	}
	return c
}

// Allow reports whether key is outside its suppression window and, if so,
// opens a new window for it. Check and admit happen under one lock.
func (c *Cache) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if w, ok := c.keys[key]; ok {
		if now.Sub(w.admittedAt) < c.ttl {
			return false
		}
		w.admittedAt = now
		c.order.MoveToBack(w.element)
		return true
	}

	if len(c.keys) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.keys[key] = &window{admittedAt: now, element: c.order.PushBack(key)}
	return true
}

// Suppressed reports whether key is inside an open window without admitting it.
func (c *Cache) Suppressed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.keys[key]
	return ok && c.now().Sub(w.admittedAt) < c.ttl
}

// Forget closes the key's window so the next Allow admits it.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.keys[key]; ok {
		c.order.Remove(w.element)
		delete(c.keys, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.keys, key)
}

func (c *Cache) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Admission order is also expiry order, so it stops
// at the first live key.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		w := c.keys[key]
		if now.Sub(w.admittedAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.keys, key)
		e = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
