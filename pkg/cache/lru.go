// Package cache provides a generic, thread-safe LRU cache used by the query
// service for hot node lookups.
package cache

import (
	"container/list"
	"errors"
	"sync"
)

// ErrInvalidKey is returned when a key is empty
var ErrInvalidKey = errors.New("cache: key cannot be empty")

// ErrInvalidSize is returned when the maximum size is not positive
var ErrInvalidSize = errors.New("cache: max size must be positive")

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU is a thread-safe least-recently-used cache. It evicts the least
// recently used entry when the maximum size is exceeded.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List

	hits   int64
	misses int64
}

// NewLRU creates a new LRU cache with the specified maximum size
func NewLRU[V any](maxSize int) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}, nil
}

// Get retrieves a value by key and marks it as recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(element)
	c.hits++
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value, evicting the least recently used entry when full.
// Returns true if a new entry was created, false if an existing one was updated.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		return false, nil
	}

	element := c.order.PushFront(&lruEntry[V]{key: key, value: value})
	c.items[key] = element

	if len(c.items) > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry[V]).key)
		}
	}

	return true, nil
}

// Delete removes an entry by key; returns true if the key existed
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false
	}

	c.order.Remove(element)
	delete(c.items, key)
	return true
}

// Clear removes all entries
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Size returns the current number of entries
func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counts
func (c *LRU[V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
