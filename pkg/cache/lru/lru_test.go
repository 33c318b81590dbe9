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

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int, string](reg, "test", 2)

	c.Add(1, "one")
	c.Add(2, "two")

	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	// 2 is now the least recently used.
	c.Add(3, "three")
	require.Equal(t, 2, c.Len())

	_, ok = c.Get(2)
	require.False(t, ok)
	_, ok = c.Peek(1)
	require.True(t, ok)
	_, ok = c.Peek(3)
	require.True(t, ok)

	require.Equal(t, float64(1), testutil.ToFloat64(c.evictions))
	require.Equal(t, float64(1), testutil.ToFloat64(c.hits))
	require.Equal(t, float64(1), testutil.ToFloat64(c.misses))
}

func TestCacheUpdateAndRemove(t *testing.T) {
	c := New[string, int](prometheus.NewRegistry(), "test", 4)

	c.Add("a", 1)
	c.Add("a", 2)
	require.Equal(t, 1, c.Len())
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	c.Remove("a")
	c.Remove("missing")
	require.Zero(t, c.Len())

	c.Add("b", 1)
	c.Purge()
	require.Zero(t, c.Len())
	_, ok = c.Get("b")
	require.False(t, ok)
}

func TestCacheCloseUnregisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int, int](reg, "test", 1)
	require.NoError(t, c.Close())

	// The same name can be registered again.
	c = New[int, int](reg, "test", 1)
	require.NoError(t, c.Close())

	require.NoError(t, New[int, int](nil, "unregistered", 1).Close())
}
