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
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

func TestRegisterTwice(t *testing.T) {
	rt, p := newTestProfiler(t)
	threads := startParked(t, rt, 2)

	h, err := p.RegisterThread(threads[0])
	require.NoError(t, err)
	require.Equal(t, ThreadActive, h.State())
	require.Equal(t, threads[0].NativeID(), h.NativeID())
	require.Equal(t, h.Slot(), threads[0].Slot())

	_, err = p.RegisterThread(threads[0])
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.Len(t, p.Threads(), 1)

	h2, err := p.RegisterThread(threads[1])
	require.NoError(t, err)
	require.Greater(t, h2.ID(), h.ID())
	require.Equal(t, []*ThreadHandle{h, h2}, p.Threads())

	got, ok := p.Handle(threads[1])
	require.True(t, ok)
	require.Same(t, h2, got)
}

func TestRegisterExitedThread(t *testing.T) {
	rt, p := newTestProfiler(t)
	th := rt.Go(context.Background(), func(context.Context, *vm.Thread) error { return nil })
	<-th.Done()

	_, err := p.RegisterThread(th)
	require.ErrorIs(t, err, vm.ErrThreadExited)
	require.Empty(t, p.Threads())
}

func TestRegisterCurrentThread(t *testing.T) {
	rt, p := newTestProfiler(t)

	_, err := p.RegisterCurrentThread(context.Background())
	require.ErrorIs(t, err, ErrUnknownThread)

	th, detach := rt.Attach()
	defer detach()

	h, err := p.RegisterCurrentThread(vm.WithThread(context.Background(), th))
	require.NoError(t, err)
	require.Same(t, th, h.Thread())
}

func TestRegistryFull(t *testing.T) {
	rt, p := newTestProfiler(t, WithMaxThreads(2))
	threads := startParked(t, rt, 3)

	_, err := p.RegisterThread(threads[0])
	require.NoError(t, err)
	h, err := p.RegisterThread(threads[1])
	require.NoError(t, err)

	_, err = p.RegisterThread(threads[2])
	require.ErrorIs(t, err, ErrRegistryFull)

	// Released slots are handed out again.
	require.NoError(t, p.UnregisterThread(h))
	h3, err := p.RegisterThread(threads[2])
	require.NoError(t, err)
	require.Equal(t, h.Slot(), h3.Slot())
}

func TestUnregister(t *testing.T) {
	rt, p := newTestProfiler(t)
	threads := startParked(t, rt, 1)

	require.ErrorIs(t, p.UnregisterThread(nil), ErrUnknownThread)

	h, err := p.RegisterThread(threads[0])
	require.NoError(t, err)
	require.NoError(t, p.UnregisterThread(h))

	// Stopped, so the handle is reaped right away.
	require.Equal(t, ThreadGone, h.State())
	require.Equal(t, -1, threads[0].Slot())
	require.Empty(t, p.Threads())
	require.ErrorIs(t, p.UnregisterThread(h), ErrUnknownThread)

	// Unregistered threads can come back.
	_, err = p.RegisterThread(threads[0])
	require.NoError(t, err)
}

func TestReapWaitsForQuiescentSlot(t *testing.T) {
	rt := vm.NewRuntime(log.NewNopLogger())
	threads := startParked(t, rt, 1)

	r := newRegistry(4, 8)
	h, err := r.register(threads[0])
	require.NoError(t, err)
	require.NoError(t, r.unregister(h))
	require.ErrorIs(t, r.unregister(h), ErrUnknownThread)

	s := r.slot(h)
	require.True(t, s.transition(slotIdle, slotWriting))

	settle := func(s *slot) bool {
		_, state := s.load()
		return state == slotIdle
	}

	// A capture is in flight.
	require.Zero(t, r.reap(time.Now(), 0, settle))
	require.Equal(t, ThreadDeregistering, h.State())

	// Within the grace period of the last interrupt.
	require.True(t, s.transition(slotWriting, slotIdle))
	now := time.Now()
	s.lastInterrupt.Store(now.UnixNano())
	require.Zero(t, r.reap(now.Add(time.Millisecond), 10*time.Millisecond, settle))

	require.Equal(t, 1, r.reap(now.Add(10*time.Millisecond), 10*time.Millisecond, settle))
	require.Equal(t, ThreadGone, h.State())
	require.Zero(t, r.len())
	_, state := s.load()
	require.Equal(t, slotRetired, state)
	require.Zero(t, s.owner.Load())

	// Nothing left to reap.
	require.Zero(t, r.reap(time.Now(), 0, settle))
}

func TestSnapshotIsCopyOnWrite(t *testing.T) {
	rt := vm.NewRuntime(log.NewNopLogger())
	threads := startParked(t, rt, 2)

	r := newRegistry(4, 8)
	_, err := r.register(threads[0])
	require.NoError(t, err)

	before := r.snapshot()
	_, err = r.register(threads[1])
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, r.snapshot(), 2)
}

func TestUnregisterForeignHandle(t *testing.T) {
	rt, p := newTestProfiler(t)
	otherRT, other := newTestProfiler(t)
	threads := startParked(t, rt, 1)
	otherThreads := startParked(t, otherRT, 1)

	h, err := p.RegisterThread(threads[0])
	require.NoError(t, err)
	_, err = other.RegisterThread(otherThreads[0])
	require.NoError(t, err)

	require.ErrorIs(t, other.UnregisterThread(h), ErrUnknownThread)
	require.Equal(t, ThreadActive, h.State())
	require.Zero(t, other.state.Load().registry.deregistering.Load())
	require.Len(t, other.Threads(), 1)

	require.NoError(t, p.UnregisterThread(h))
	require.Equal(t, ThreadGone, h.State())
}

func TestStartRollsBackRegistrations(t *testing.T) {
	rt, p := newTestProfiler(t)
	threads := startParked(t, rt, 2)

	pre, err := p.RegisterThread(threads[0])
	require.NoError(t, err)

	exited := rt.Go(context.Background(), func(context.Context, *vm.Thread) error {
		return nil
	})
	<-exited.Done()

	err = p.StartScheduler(context.Background(), threads[0], threads[1], exited)
	require.ErrorIs(t, err, vm.ErrThreadExited)
	require.False(t, p.Running())

	// Only the thread registered before the failed start survives.
	require.Equal(t, []*ThreadHandle{pre}, p.Threads())
	require.Equal(t, -1, threads[1].Slot())
	_, ok := p.Handle(threads[1])
	require.False(t, ok)

	require.NoError(t, p.UnregisterThread(pre))
	require.Nil(t, p.state.Load())
}
