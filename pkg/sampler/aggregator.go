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
package sampler

import (
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// Stack is one entry of the frequency table.
type Stack struct {
	// ID is a hash of the frame sequence.
	ID     uint64
	Frames []vm.Frame
	Count  uint64
}

type stackEntry struct {
	frames []vm.Frame
	count  *atomic.Uint64
}

// Aggregator counts drained samples and, when frequency aggregation is
// enabled, how often each exact frame sequence was seen.
type Aggregator struct {
	counters  *counters
	frequency bool
	table     *xsync.MapOf[string, *stackEntry]
}

func newAggregator(c *counters, frequency bool) *Aggregator {
	return &Aggregator{
		counters:  c,
		frequency: frequency,
		table:     xsync.NewMapOf[string, *stackEntry](),
	}
}

// Record accounts one captured sample. frames is only read during the call.
func (a *Aggregator) Record(frames []vm.Frame) {
	a.counters.captured.Inc()
	if !a.frequency {
		return
	}

	e, _ := a.table.LoadOrCompute(stackKey(frames), func() *stackEntry {
		return &stackEntry{
			frames: slices.Clone(frames),
			count:  atomic.NewUint64(0),
		}
	})
	e.count.Inc()
}

// Counters is safe to call at any time.
func (a *Aggregator) Counters() Counters {
	return a.counters.snapshot()
}

// Len returns the number of distinct stacks seen.
func (a *Aggregator) Len() int {
	return a.table.Size()
}

// Stacks returns a copy of the frequency table, most frequent first.
func (a *Aggregator) Stacks() []Stack {
	stacks := make([]Stack, 0, a.table.Size())
	a.table.Range(func(key string, e *stackEntry) bool {
		stacks = append(stacks, Stack{
			ID:     xxhash.Sum64String(key),
			Frames: slices.Clone(e.frames),
			Count:  e.count.Load(),
		})
		return true
	})
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].Count != stacks[j].Count {
			return stacks[i].Count > stacks[j].Count
		}
		return stacks[i].ID < stacks[j].ID
	})
	return stacks
}
