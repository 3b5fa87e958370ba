// Package store provides a generic, thread-safe, in-memory collection used by
// the memory storage driver, plus a clock that can be shifted in development.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrMissing is returned by Update when the ID is not present.
	ErrMissing = errors.New("store: missing item")
	// ErrExists is returned by Insert when the ID is already taken.
	ErrExists = errors.New("store: item exists")
)

// Collection is a thread-safe, insertion-ordered map of objects of type T.
// Values are copied in and out, so T should not hold shared pointers.
type Collection[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

// New creates an empty collection.
func New[T any]() *Collection[T] {
	return &Collection[T]{
		items: make(map[string]T),
		order: make([]string, 0),
	}
}

// Set stores an item with the given ID. If the ID already exists, it is overwritten
// but its position in the insertion order is preserved.
func (c *Collection[T]) Set(id string, item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(id, item)
}

func (c *Collection[T]) setLocked(id string, item T) {
	if _, exists := c.items[id]; !exists {
		c.order = append(c.order, id)
	}
	c.items[id] = item
}

// Insert stores an item only if the ID is unused.
func (c *Collection[T]) Insert(id string, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[id]; exists {
		return ErrExists
	}
	c.setLocked(id, item)
	return nil
}

// Get retrieves an item by ID.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Update applies fn to the stored item under the write lock. The item is
// written back only when fn returns nil.
func (c *Collection[T]) Update(id string, fn func(item *T) error) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		var zero T
		return zero, ErrMissing
	}
	if err := fn(&item); err != nil {
		var zero T
		return zero, err
	}
	c.items[id] = item
	return item, nil
}

// Delete removes an item by ID. Returns true if the item existed.
func (c *Collection[T]) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[id]; !exists {
		return false
	}
	delete(c.items, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns all items in insertion order.
func (c *Collection[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]T, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.items[id])
	}
	return result
}

// Filter returns items that match the predicate, in insertion order.
func (c *Collection[T]) Filter(predicate func(id string, item T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []T
	for _, id := range c.order {
		if predicate(id, c.items[id]) {
			result = append(result, c.items[id])
		}
	}
	return result
}

// Find returns the first item matching the predicate.
func (c *Collection[T]) Find(predicate func(id string, item T) bool) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if predicate(id, c.items[id]) {
			return c.items[id], true
		}
	}
	var zero T
	return zero, false
}

// Count returns the number of items.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Reset clears all items.
func (c *Collection[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T)
	c.order = make([]string, 0)
}

// Snapshot returns all items as a JSON-serializable map.
func (c *Collection[T]) Snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]T, len(c.items))
	for k, v := range c.items {
		snapshot[k] = v
	}
	return snapshot
}

// LoadSnapshot replaces all items. IDs are sorted to keep listing deterministic.
func (c *Collection[T]) LoadSnapshot(snapshot map[string]T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T, len(snapshot))
	c.order = make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		c.items[k] = v
		c.order = append(c.order, k)
	}
	sort.Strings(c.order)
}

// MarshalJSON serializes the items map.
func (c *Collection[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// UnmarshalJSON replaces the collection contents from JSON.
func (c *Collection[T]) UnmarshalJSON(data []byte) error {
	var snapshot map[string]T
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	c.LoadSnapshot(snapshot)
	return nil
}

// Clock is a wall clock with an adjustable offset. Services read time through
// it so pending-order expiry and drop windows can be exercised in development.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewClock creates a clock with no offset.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current shifted time in UTC.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset).UTC()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Reset clears the offset.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
}

// Offset returns the current offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
