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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

func TestAggregatorFrequency(t *testing.T) {
	a := newAggregator(newCounters(), true)

	ab := []vm.Frame{{ID: 1, Line: 10}, {ID: 2, Line: 20}}
	a.Record(ab)
	a.Record([]vm.Frame{{ID: 1, Line: 10}, {ID: 2, Line: 20}})
	// Lines are part of the key.
	a.Record([]vm.Frame{{ID: 1, Line: 11}, {ID: 2, Line: 20}})
	// So is the order.
	a.Record([]vm.Frame{{ID: 2, Line: 20}, {ID: 1, Line: 10}})

	// Recorded frames are copied.
	ab[0].ID = 99

	require.Equal(t, uint64(4), a.Counters().Captured)
	require.Equal(t, 3, a.Len())

	stacks := a.Stacks()
	got := make([][]vm.Frame, 0, len(stacks))
	for _, s := range stacks {
		got = append(got, s.Frames)
	}
	require.Equal(t, uint64(2), stacks[0].Count)
	if diff := cmp.Diff([]vm.Frame{{ID: 1, Line: 10}, {ID: 2, Line: 20}}, got[0]); diff != "" {
		t.Fatalf("unexpected most frequent stack (-want +got):\n%s", diff)
	}

	// Stack IDs are stable.
	require.Equal(t, stacks[0].ID, a.Stacks()[0].ID)
	require.NotEqual(t, stacks[1].ID, stacks[2].ID)
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	a := newAggregator(newCounters(), true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				a.Record([]vm.Frame{{ID: uint64(j % 10)}, {ID: uint64(i % 2)}})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, uint64(8000), a.Counters().Captured)
	require.Equal(t, 20, a.Len())

	var total uint64
	for _, s := range a.Stacks() {
		total += s.Count
	}
	require.Equal(t, uint64(8000), total)
}

func TestStackKey(t *testing.T) {
	require.Equal(t, "", stackKey(nil))
	require.Len(t, stackKey([]vm.Frame{{ID: 1}, {ID: 2}}), 2*frameKeySize)
	require.Equal(t, stackKey([]vm.Frame{{ID: 1, Line: -1}}), stackKey([]vm.Frame{{ID: 1, Line: -1}}))
	require.NotEqual(t, stackKey([]vm.Frame{{ID: 1, Line: 1}}), stackKey([]vm.Frame{{ID: 1, Line: 2}}))
}
