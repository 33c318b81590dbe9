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
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// capture is the interrupt handler. It runs on the interrupted thread and
// must not allocate, block or take locks: it only touches the thread's own
// slot and atomic counters.
func (p *Profiler) capture(t *vm.Thread) {
	p.counters.handled.Inc()

	st := p.state.Load()
	if st == nil {
		return
	}
	idx := t.Slot()
	if idx < 0 || idx >= len(st.registry.slots) {
		return
	}
	s := &st.registry.slots[idx]

	w := s.word.Load()
	seq, state := unpackSlotWord(w)
	if state != slotPending {
		// Ready samples are never overwritten and Idle or Retired slots
		// have no interrupt to answer.
		return
	}
	if !s.word.CompareAndSwap(w, packSlotWord(seq, slotWriting)) {
		// Cancelled by the scheduler.
		return
	}
	if s.owner.Load() != t.ID() {
		// The slot was handed to another thread after t loaded its index.
		// The owner may have answered its interrupt while the slot was
		// Writing, so the interrupt is cancelled and the next tick re-arms
		// the slot.
		s.word.Store(packSlotWord(seq, slotIdle))
		p.counters.drop(DropCancelled)
		return
	}

	n, err := p.walker(t).WalkStack(s.frames)
	if err != nil {
		s.n = 0
		s.word.Store(packSlotWord(seq, slotIdle))
		p.counters.drop(DropCaptureFailed)
		return
	}
	s.publish(seq+1, n)
}
