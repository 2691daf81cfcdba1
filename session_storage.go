package websocket

import (
	"sync"

	"github.com/dolthub/maphash"
	"github.com/lxzan/websocket/internal"
)

// SessionStorage stores the session information attached to a connection
type SessionStorage interface {
	Len() int
	Load(key string) (value any, exist bool)
	Delete(key string)
	Store(key string, value any)
	Range(f func(key string, value any) bool)
}

type (
	sliceMap []kv

	kv struct {
		deleted bool
		key     string
		value   any
	}
)

// newSliceMap small slice backed storage; sessions usually hold a handful of
// keys, a linear scan beats hashing there
func newSliceMap() *sliceMap {
	return new(sliceMap)
}

func (c *sliceMap) Len() int {
	var n = 0
	for _, item := range *c {
		if !item.deleted {
			n++
		}
	}
	return n
}

func (c *sliceMap) Load(key string) (value any, exist bool) {
	for _, item := range *c {
		if item.key == key && !item.deleted {
			return item.value, true
		}
	}
	return nil, false
}

func (c *sliceMap) Delete(key string) {
	for i, item := range *c {
		if item.key == key {
			(*c)[i].deleted = true
		}
	}
}

func (c *sliceMap) Store(key string, value any) {
	for i, item := range *c {
		if item.key == key {
			(*c)[i].value = value
			(*c)[i].deleted = false
			return
		}
	}
	*c = append(*c, kv{key: key, value: value})
}

func (c *sliceMap) Range(f func(key string, value any) bool) {
	for _, item := range *c {
		if item.deleted {
			continue
		}
		if !f(item.key, item.value) {
			return
		}
	}
}

type (
	// ConcurrentMap shards the keys to reduce lock contention
	ConcurrentMap[K comparable, V any] struct {
		hasher    maphash.Hasher[K]
		num       uint64
		shardings []*Map[K, V]
	}
)

// NewConcurrentMap arg0 is the number of shardings, arg1 is the initial
// capacity of a sharding
func NewConcurrentMap[K comparable, V any](args ...uint64) *ConcurrentMap[K, V] {
	args = append(args, 0, 0)
	var num, capacity = args[0], args[1]
	num = internal.SelectValue(num == 0, 16, num)
	num = uint64(binaryCeil(num))
	var cm = &ConcurrentMap[K, V]{
		hasher:    maphash.NewHasher[K](),
		num:       num,
		shardings: make([]*Map[K, V], num),
	}
	for i := range cm.shardings {
		cm.shardings[i] = NewMap[K, V](int(capacity))
	}
	return cm
}

func binaryCeil(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// GetSharding returns the map sharding responsible for the key; the operations
// on a sharding are safe for concurrent use
func (c *ConcurrentMap[K, V]) GetSharding(key K) *Map[K, V] {
	var hashCode = c.hasher.Hash(key)
	var index = hashCode & (c.num - 1)
	return c.shardings[index]
}

func (c *ConcurrentMap[K, V]) Len() int {
	var length = 0
	for _, item := range c.shardings {
		length += item.Len()
	}
	return length
}

func (c *ConcurrentMap[K, V]) Load(key K) (value V, exist bool) {
	return c.GetSharding(key).Load(key)
}

func (c *ConcurrentMap[K, V]) Delete(key K) {
	c.GetSharding(key).Delete(key)
}

func (c *ConcurrentMap[K, V]) Store(key K, value V) {
	c.GetSharding(key).Store(key, value)
}

// Range calls f sequentially for each key and value. If f returns false, it
// stops the iteration.
func (c *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	for _, item := range c.shardings {
		if !item.Range(f) {
			return
		}
	}
}

// NewMap creates a mutex protected map
func NewMap[K comparable, V any](capacity ...int) *Map[K, V] {
	capacity = append(capacity, 0)
	return &Map[K, V]{d: make(map[K]V, capacity[0])}
}

type Map[K comparable, V any] struct {
	mu sync.RWMutex
	d  map[K]V
}

func (c *Map[K, V]) Len() int {
	c.mu.RLock()
	n := len(c.d)
	c.mu.RUnlock()
	return n
}

func (c *Map[K, V]) Load(key K) (value V, exist bool) {
	c.mu.RLock()
	value, exist = c.d[key]
	c.mu.RUnlock()
	return
}

// Delete deletes the value for a key.
func (c *Map[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.d, key)
	c.mu.Unlock()
}

// Store sets the value for a key.
func (c *Map[K, V]) Store(key K, value V) {
	c.mu.Lock()
	c.d[key] = value
	c.mu.Unlock()
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (c *Map[K, V]) Range(f func(key K, value V) bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.d {
		if !f(k, v) {
			return false
		}
	}
	return true
}
