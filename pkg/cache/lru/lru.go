// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package lru provides a size bounded, least recently used cache that
// reports its hit rate to Prometheus.
package lru

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter

	mtx        sync.Mutex
	maxEntries int
	items      map[K]*entry[K, V]
	evictList  *lruList[K, V]

	closer func() error
}

// New returns a cache holding at most maxEntries values. Its metrics carry
// a cache label set to name.
func New[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) *Cache[K, V] {
	if reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": name}, reg)
	}
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_sampler_cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "parca_sampler_cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	return &Cache[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,

		maxEntries: maxEntries,
		evictList:  newList[K, V](),
		items:      make(map[K]*entry[K, V], maxEntries),
		closer: func() error {
			if reg == nil {
				return nil
			}
			var err error
			if !reg.Unregister(requests) {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if !reg.Unregister(evictions) {
				err = errors.Join(err, errors.New("unregistering evictions counter"))
			}
			return err
		},
	}
}

// Add adds or updates a value, evicting the least recently used one when
// full.
func (c *Cache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.evictList.moveToFront(e)
		e.value = value
		return
	}

	c.items[key] = c.evictList.pushFront(key, value)
	if c.evictList.length() > c.maxEntries {
		if oldest := c.evictList.back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Inc()
		}
	}
}

// Get returns the value for key and marks it as recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.evictList.moveToFront(e)
		c.hits.Inc()
		return e.value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Peek returns the value for key without updating its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

func (c *Cache[K, V]) Remove(key K) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeElement(e)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.evictList.length()
}

// Purge removes every entry.
func (c *Cache[K, V]) Purge() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	clear(c.items)
	c.evictList.init()
}

// Close purges the cache and unregisters its metrics so a cache with the
// same name can be created again.
func (c *Cache[K, V]) Close() error {
	c.Purge()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *Cache[K, V]) removeElement(e *entry[K, V]) {
	c.evictList.remove(e)
	delete(c.items, e.key)
}
