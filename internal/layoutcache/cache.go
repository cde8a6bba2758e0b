// Package layoutcache deduplicates native binding-table layouts.
//
// A layout is requested with an ordered list of binding-layout identities
// and a flag. The cache key is a comparable value holding the whole list,
// so two requests only share an entry when their lists are equal, never on
// a hash match alone. Entries are reference counted and leave the cache
// the moment their last reference is released.
package layoutcache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gogpu/rhi/internal/diag"
)

// MaxBindingLayouts is the largest number of binding layouts in one key.
const MaxBindingLayouts = 8

// Cache errors.
var (
	// ErrTooManyLayouts is returned for keys longer than MaxBindingLayouts.
	ErrTooManyLayouts = errors.New("layoutcache: too many binding layouts")

	// ErrReleased is returned when using an entry after its last release.
	ErrReleased = errors.New("layoutcache: entry already released")
)

// LayoutID identifies a binding layout. IDs must not be reused while a
// layout is alive.
type LayoutID uint64

// Key identifies a cached layout.
type Key struct {
	layouts          [MaxBindingLayouts]LayoutID
	count            uint8
	allowInputLayout bool
}

// NewKey builds a key from an ordered list of layout IDs.
func NewKey(ids []LayoutID, allowInputLayout bool) (Key, error) {
	if len(ids) > MaxBindingLayouts {
		return Key{}, fmt.Errorf("%w: %d > %d", ErrTooManyLayouts, len(ids), MaxBindingLayouts)
	}
	//nolint:gosec // G115: len(ids) bounded by MaxBindingLayouts
	k := Key{count: uint8(len(ids)), allowInputLayout: allowInputLayout}
	copy(k.layouts[:], ids)
	return k, nil
}

// Layouts returns the ordered layout IDs.
func (k Key) Layouts() []LayoutID { return k.layouts[:k.count] }

// AllowInputLayout returns the input-assembler flag.
func (k Key) AllowInputLayout() bool { return k.allowInputLayout }

// Hash returns an order-sensitive FNV-1a hash of the key. It is used for
// labels and logs only; lookups compare whole keys.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, id := range k.Layouts() {
		for i := range buf {
			buf[i] = byte(id >> (8 * i))
		}
		h.Write(buf[:])
	}
	if k.allowInputLayout {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Builder creates the native layout for a key by concatenating the binding
// ranges of its layouts in order.
type Builder[V any] func(key Key) (V, error)

// Destroyer releases a native layout.
type Destroyer[V any] func(value V)

// Entry is a cached layout with a reference count.
type Entry[V any] struct {
	cache *Cache[V]
	key   Key
	value V
	refs  int
}

// Key returns the entry key.
func (e *Entry[V]) Key() Key { return e.key }

// Value returns the native layout.
func (e *Entry[V]) Value() V { return e.value }

// Retain adds a reference.
func (e *Entry[V]) Retain() error {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()
	if e.refs == 0 {
		return ErrReleased
	}
	e.refs++
	return nil
}

// Release drops a reference. The last release removes the entry from the
// cache and destroys the native layout.
func (e *Entry[V]) Release() {
	c := e.cache
	c.mu.Lock()
	if e.refs == 0 {
		c.mu.Unlock()
		diag.Report(c.sink, diag.Error, "binding layout %016x released more often than retained", e.key.Hash())
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	diag.Logger().Debug("binding layout evicted", "key", fmt.Sprintf("%016x", e.key.Hash()))
	if c.destroy != nil {
		c.destroy(e.value)
	}
}

// Stats counts cache activity.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// Cache maps keys to reference-counted native layouts.
//
// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[Key]*Entry[V]
	build   Builder[V]
	destroy Destroyer[V]
	sink    diag.Sink

	hits   uint64
	misses uint64
}

// New creates an empty cache.
func New[V any](build Builder[V], destroy Destroyer[V], sink diag.Sink) *Cache[V] {
	return &Cache[V]{
		entries: make(map[Key]*Entry[V]),
		build:   build,
		destroy: destroy,
		sink:    sink,
	}
}

// Resolve returns the entry for ids and allowInputLayout with one new
// reference, building it on a miss.
func (c *Cache[V]) Resolve(ids []LayoutID, allowInputLayout bool) (*Entry[V], error) {
	key, err := NewKey(ids, allowInputLayout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.refs++
		c.hits++
		return e, nil
	}

	value, err := c.build(key)
	if err != nil {
		return nil, fmt.Errorf("layoutcache: build layout %016x: %w", key.Hash(), err)
	}
	e := &Entry[V]{cache: c, key: key, value: value, refs: 1}
	c.entries[key] = e
	c.misses++

	diag.Logger().Debug("binding layout built",
		"key", fmt.Sprintf("%016x", key.Hash()), "layouts", len(ids), "inputLayout", allowInputLayout)
	return e, nil
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
