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
package lru

type entry[K comparable, V any] struct {
	next, prev *entry[K, V]
	list       *lruList[K, V]

	key   K
	value V
}

// lruList is a doubly linked list with a sentinel root. The front holds the
// most recently used entry.
type lruList[K comparable, V any] struct {
	root entry[K, V]
	len  int
}

func newList[K comparable, V any]() *lruList[K, V] {
	return new(lruList[K, V]).init()
}

func (l *lruList[K, V]) init() *lruList[K, V] {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

func (l *lruList[K, V]) length() int {
	return l.len
}

// back returns the least recently used entry, nil if empty.
func (l *lruList[K, V]) back() *entry[K, V] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *lruList[K, V]) insert(e, at *entry[K, V]) *entry[K, V] {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

func (l *lruList[K, V]) pushFront(k K, v V) *entry[K, V] {
	return l.insert(&entry[K, V]{key: k, value: v}, &l.root)
}

func (l *lruList[K, V]) remove(e *entry[K, V]) {
	if e.list != l {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

func (l *lruList[K, V]) moveToFront(e *entry[K, V]) {
	if e.list != l || l.root.next == e {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = &l.root
	e.next = l.root.next
	e.prev.next = e
	e.next.prev = e
}
