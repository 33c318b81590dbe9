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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// pendingSlot registers the calling goroutine's thread and arms its slot as
// the scheduler would before interrupting it.
func pendingSlot(t *testing.T, p *Profiler, th *vm.Thread) *slot {
	t.Helper()

	h, ok := p.Handle(th)
	if !ok {
		var err error
		h, err = p.RegisterThread(th)
		require.NoError(t, err)
	}
	s := p.state.Load().registry.slot(h)
	require.True(t, s.transition(slotIdle, slotPending))
	p.counters.delivered.Inc()
	require.NoError(t, th.Interrupt())
	return s
}

func TestCapturePublishesSample(t *testing.T) {
	rt, p := newTestProfiler(t)
	require.NoError(t, p.SetupSignalHandler())

	th, detach := rt.Attach()
	defer detach()
	th.Push(vm.Frame{ID: 1, Line: 1})
	th.Push(vm.Frame{ID: 2, Line: 2})

	s := pendingSlot(t, p, th)
	th.Safepoint()

	seq, state := s.load()
	require.Equal(t, slotReady, state)
	require.Equal(t, uint64(1), seq)

	p.drain(s)
	_, state = s.load()
	require.Equal(t, slotIdle, state)

	c := p.Counters()
	require.Equal(t, uint64(1), c.Delivered)
	require.Equal(t, uint64(1), c.Captured)
	require.Equal(t, []Stack{{
		ID:     p.Aggregator().Stacks()[0].ID,
		Frames: []vm.Frame{{ID: 2, Line: 2}, {ID: 1, Line: 1}},
		Count:  1,
	}}, p.Aggregator().Stacks())

	// The next publication bumps the sequence.
	s = pendingSlot(t, p, th)
	th.Safepoint()
	seq, _ = s.load()
	require.Equal(t, uint64(2), seq)
	p.drain(s)
	require.Equal(t, uint64(2), p.Aggregator().Stacks()[0].Count)
}

func TestCaptureIgnoresSlotsWithoutPendingInterrupt(t *testing.T) {
	rt, p := newTestProfiler(t)
	require.NoError(t, p.SetupSignalHandler())

	th, detach := rt.Attach()
	defer detach()
	h, err := p.RegisterThread(th)
	require.NoError(t, err)
	s := p.state.Load().registry.slot(h)

	// Idle.
	require.NoError(t, th.Interrupt())
	th.Safepoint()
	_, state := s.load()
	require.Equal(t, slotIdle, state)

	// Ready samples are never overwritten.
	s.frames[0] = vm.Frame{ID: 7}
	require.True(t, s.transition(slotIdle, slotWriting))
	s.publish(1, 1)
	th.Push(vm.Frame{ID: 8})
	require.NoError(t, th.Interrupt())
	th.Safepoint()
	frames, ok := s.sample(1)
	require.True(t, ok)
	require.Equal(t, []vm.Frame{{ID: 7}}, frames)
}

func TestCaptureFailureIsDropped(t *testing.T) {
	rt, p := newTestProfiler(t)
	require.NoError(t, p.SetupSignalHandler())

	th, detach := rt.Attach()
	defer detach()
	th.Push(vm.Frame{ID: 1})

	s := pendingSlot(t, p, th)
	th.WithoutUnwind(th.Safepoint)

	_, state := s.load()
	require.Equal(t, slotIdle, state)
	c := p.Counters()
	require.Equal(t, uint64(0), c.Captured)
	require.Equal(t, uint64(1), c.Drops[DropCaptureFailed])
	require.Equal(t, c.Delivered, c.Captured+c.Dropped)
}

func TestCaptureSlotHandedOver(t *testing.T) {
	rt, p := newTestProfiler(t)
	require.NoError(t, p.SetupSignalHandler())

	th, detach := rt.Attach()
	defer detach()

	s := pendingSlot(t, p, th)
	s.owner.Store(th.ID() + 1000)
	th.Safepoint()

	// The interrupt is cancelled rather than left pending, otherwise the new
	// owner would be reported busy on every tick.
	_, state := s.load()
	require.Equal(t, slotIdle, state)
	c := p.Counters()
	require.Equal(t, uint64(1), c.Drops[DropCancelled])
	require.Equal(t, c.Delivered, c.Captured+c.Dropped)

	// The slot recovers on the next round.
	s.owner.Store(th.ID())
	th.Push(vm.Frame{ID: 1})
	s = pendingSlot(t, p, th)
	th.Safepoint()
	_, state = s.load()
	require.Equal(t, slotReady, state)
	p.drain(s)

	c = p.Counters()
	require.Equal(t, uint64(1), c.Captured)
	require.Equal(t, c.Delivered, c.Captured+c.Dropped)
}

func TestDrainDetectsTornSample(t *testing.T) {
	rt, p := newTestProfiler(t)
	th, detach := rt.Attach()
	defer detach()

	h, err := p.RegisterThread(th)
	require.NoError(t, err)
	s := p.state.Load().registry.slot(h)

	require.True(t, s.transition(slotIdle, slotWriting))
	s.publish(3, 0)
	s.sentinel = 2
	p.drain(s)

	c := p.Counters()
	require.Equal(t, uint64(1), c.Drops[DropTorn])
	require.Zero(t, c.Captured)
	_, state := s.load()
	require.Equal(t, slotIdle, state)
}

func TestCaptureTruncatesToSlotDepth(t *testing.T) {
	rt, p := newTestProfiler(t, WithMaxStackDepth(4))
	require.NoError(t, p.SetupSignalHandler())

	th, detach := rt.Attach()
	defer detach()
	for i := 1; i <= 10; i++ {
		th.Push(vm.Frame{ID: uint64(i)})
	}

	s := pendingSlot(t, p, th)
	th.Safepoint()
	p.drain(s)

	stacks := p.Aggregator().Stacks()
	require.Len(t, stacks, 1)
	require.Equal(t, []vm.Frame{{ID: 10}, {ID: 9}, {ID: 8}, {ID: 7}}, stacks[0].Frames)
}
