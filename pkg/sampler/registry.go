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
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// ThreadState is the registration state of a ThreadHandle.
type ThreadState int32

const (
	ThreadActive ThreadState = iota
	ThreadDeregistering
	ThreadGone
)

func (s ThreadState) String() string {
	switch s {
	case ThreadActive:
		return "active"
	case ThreadDeregistering:
		return "deregistering"
	case ThreadGone:
		return "gone"
	default:
		return "unknown"
	}
}

// ThreadHandle identifies a registered thread.
type ThreadHandle struct {
	id     uint64
	thread *vm.Thread
	slot   int
	state  *atomic.Int32

	registry *registry
}

// ID is the handle's logical id. Ids are never reused.
func (h *ThreadHandle) ID() uint64 {
	return h.id
}

func (h *ThreadHandle) Thread() *vm.Thread {
	return h.thread
}

// NativeID is the platform id of the thread the handle interrupts.
func (h *ThreadHandle) NativeID() int {
	return h.thread.NativeID()
}

// Slot is the index of the handle's sample slot.
func (h *ThreadHandle) Slot() int {
	return h.slot
}

func (h *ThreadHandle) State() ThreadState {
	return ThreadState(h.state.Load())
}

func (h *ThreadHandle) deregister() bool {
	return h.state.CompareAndSwap(int32(ThreadActive), int32(ThreadDeregistering))
}

// registry tracks the sampled threads and owns their slots. Writers
// serialize on mtx, readers use the copy-on-write snapshot.
type registry struct {
	mtx      sync.Mutex
	byNative map[int]*ThreadHandle
	free     *roaring.Bitmap
	nextID   uint64

	slots         []slot
	handles       *atomic.Pointer[[]*ThreadHandle]
	deregistering *atomic.Int32
}

func newRegistry(capacity, depth int) *registry {
	free := roaring.New()
	free.AddRange(0, uint64(capacity))

	empty := []*ThreadHandle{}
	return &registry{
		byNative:      make(map[int]*ThreadHandle, capacity),
		free:          free,
		slots:         newSlots(capacity, depth),
		handles:       atomic.NewPointer(&empty),
		deregistering: atomic.NewInt32(0),
	}
}

// snapshot returns the registered handles in registration order. The
// returned slice must not be modified.
func (r *registry) snapshot() []*ThreadHandle {
	return *r.handles.Load()
}

func (r *registry) len() int {
	return len(r.snapshot())
}

func (r *registry) slot(h *ThreadHandle) *slot {
	return &r.slots[h.slot]
}

func (r *registry) register(t *vm.Thread) (*ThreadHandle, error) {
	if t.Exited() {
		return nil, fmt.Errorf("register thread %d: %w", t.ID(), vm.ErrThreadExited)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if h, ok := r.byNative[t.NativeID()]; ok {
		if !h.thread.Exited() {
			return nil, fmt.Errorf("native thread %d: %w", t.NativeID(), ErrAlreadyRegistered)
		}
		// The native id was reused by the OS, the stale handle is reaped
		// on its own.
		if h.deregister() {
			r.deregistering.Inc()
		}
		delete(r.byNative, t.NativeID())
	}

	if r.free.IsEmpty() {
		return nil, fmt.Errorf("%w: %d slots in use", ErrRegistryFull, len(r.slots))
	}
	idx := r.free.Minimum()
	r.free.Remove(idx)

	s := &r.slots[idx]
	s.owner.Store(t.ID())
	s.lastInterrupt.Store(0)
	s.transition(slotRetired, slotIdle)

	r.nextID++
	h := &ThreadHandle{
		id:     r.nextID,
		thread: t,
		slot:   int(idx),
		state:  atomic.NewInt32(int32(ThreadActive)),

		registry: r,
	}
	t.BindSlot(int(idx))
	r.byNative[t.NativeID()] = h

	old := r.snapshot()
	handles := make([]*ThreadHandle, 0, len(old)+1)
	handles = append(handles, old...)
	handles = append(handles, h)
	r.handles.Store(&handles)

	return h, nil
}

// unregister marks h Deregistering. Handles of another registry are
// unknown here.
func (r *registry) unregister(h *ThreadHandle) error {
	if h == nil || h.registry != r || !h.deregister() {
		return ErrUnknownThread
	}
	r.deregistering.Inc()
	return nil
}

// lookup returns the live handle of t, if registered.
func (r *registry) lookup(t *vm.Thread) (*ThreadHandle, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	h, ok := r.byNative[t.NativeID()]
	if !ok || h.thread != t {
		return nil, false
	}
	return h, true
}

// reap removes deregistering handles whose slot settles to Idle and whose
// last interrupt is at least grace old. settle is given the chance to drain
// or cancel the slot first and reports whether it is Idle. Returns the
// number of handles removed.
func (r *registry) reap(now time.Time, grace time.Duration, settle func(*slot) bool) int {
	if r.deregistering.Load() == 0 {
		return 0
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	old := r.snapshot()
	kept := make([]*ThreadHandle, 0, len(old))
	for _, h := range old {
		if h.State() != ThreadDeregistering {
			kept = append(kept, h)
			continue
		}

		s := r.slot(h)
		if !settle(s) {
			kept = append(kept, h)
			continue
		}
		if last := s.lastInterrupt.Load(); last != 0 && now.Sub(time.Unix(0, last)) < grace {
			kept = append(kept, h)
			continue
		}
		if !s.transition(slotIdle, slotRetired) {
			kept = append(kept, h)
			continue
		}

		h.thread.BindSlot(-1)
		s.owner.Store(0)
		r.free.Add(uint32(h.slot))
		if cur, ok := r.byNative[h.NativeID()]; ok && cur == h {
			delete(r.byNative, h.NativeID())
		}
		h.state.Store(int32(ThreadGone))
		r.deregistering.Dec()
	}

	removed := len(old) - len(kept)
	if removed > 0 {
		r.handles.Store(&kept)
	}
	return removed
}
