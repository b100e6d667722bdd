/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// boundedCache is the recency list and exact-match index shared by the peer, source
// and template tables. The hash index and the doubly linked recency list always hold the
// same entries, and len() is the size of both.
//
// onRemove runs for every entry leaving the cache, whether it was evicted for capacity,
// removed explicitly or purged, so owners tear down their children in exactly one place.
type boundedCache[K comparable, V any] struct {
	lru    *simplelru.LRU[K, V]
	max    int
	forced uint64
}

// eviction describes the entry pushed out by an insert.
type eviction[K comparable, V any] struct {
	key   K
	value V
}

func newBoundedCache[K comparable, V any](max int, onRemove func(K, V)) (*boundedCache[K, V], error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, max)
	}
	lru, err := simplelru.NewLRU[K, V](max, onRemove)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &boundedCache[K, V]{
		lru: lru,
		max: max,
	}, nil
}

// find looks up key without changing the recency order.
func (c *boundedCache[K, V]) find(key K) (V, bool) {
	return c.lru.Peek(key)
}

// touch moves key to the front of the recency order.
func (c *boundedCache[K, V]) touch(key K) bool {
	_, ok := c.lru.Get(key)
	return ok
}

// insert adds a new entry at the front. When this brings the cache above its capacity,
// the tail is evicted before insert returns and handed back to the caller for reporting.
func (c *boundedCache[K, V]) insert(key K, value V) (*eviction[K, V], error) {
	if c.lru.Contains(key) {
		return nil, fmt.Errorf("%w %v", ErrDuplicateKey, key)
	}

	var tail *eviction[K, V]
	if c.lru.Len() >= c.max {
		if k, v, ok := c.lru.GetOldest(); ok {
			tail = &eviction[K, V]{key: k, value: v}
		}
	}

	if evicted := c.lru.Add(key, value); !evicted {
		return nil, nil
	}
	c.forced++
	return tail, nil
}

// evictTail removes the least recently used entry.
func (c *boundedCache[K, V]) evictTail() (K, V, bool) {
	return c.lru.RemoveOldest()
}

// remove drops key, returning the entry it held.
func (c *boundedCache[K, V]) remove(key K) (V, bool) {
	v, ok := c.lru.Peek(key)
	if !ok {
		return v, false
	}
	c.lru.Remove(key)
	return v, true
}

func (c *boundedCache[K, V]) purge() {
	c.lru.Purge()
}

func (c *boundedCache[K, V]) len() int {
	return c.lru.Len()
}

// front returns the most recently used key.
func (c *boundedCache[K, V]) front() (K, bool) {
	keys := c.lru.Keys()
	if len(keys) == 0 {
		var zero K
		return zero, false
	}
	return keys[len(keys)-1], true
}

// keys returns all keys, most recently used first.
func (c *boundedCache[K, V]) keys() []K {
	keys := c.lru.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// values returns all entries, most recently used first.
func (c *boundedCache[K, V]) values() []V {
	values := c.lru.Values()
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values
}
