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
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// MaxStackDepth is the frame capacity of a sample slot.
const MaxStackDepth = 256

type slotState uint64

const (
	slotIdle slotState = iota
	slotPending
	slotWriting
	slotReady
	slotRetired
)

const (
	slotStateBits = 3
	slotStateMask = 1<<slotStateBits - 1
)

func (s slotState) String() string {
	switch s {
	case slotIdle:
		return "idle"
	case slotPending:
		return "pending"
	case slotWriting:
		return "writing"
	case slotReady:
		return "ready"
	case slotRetired:
		return "retired"
	default:
		return "unknown"
	}
}

func packSlotWord(seq uint64, s slotState) uint64 {
	return seq<<slotStateBits | uint64(s)
}

func unpackSlotWord(w uint64) (uint64, slotState) {
	return w >> slotStateBits, slotState(w & slotStateMask)
}

// slot holds at most one sample for its owning thread.
//
// Transitions:
//
//	Idle    -> Pending  scheduler, before interrupting the owner
//	Pending -> Writing  capture handler, on the owner
//	Writing -> Ready    capture handler, publishes seq+1
//	Writing -> Idle     capture handler, stack walk failed
//	Pending -> Idle     scheduler, cancelling on retire or stop
//	Ready   -> Idle     scheduler, after draining
//	Idle    -> Retired  registry, when the owner is reaped
//	Retired -> Idle     registry, when the slot is handed to a new owner
//
// frames, n and sentinel are written only in Writing and read only in
// Ready. The state word orders those accesses.
type slot struct {
	word *atomic.Uint64
	// Logical id of the owning vm.Thread, 0 when free.
	owner *atomic.Uint64
	// Unix nanoseconds of the last interrupt sent to the owner.
	lastInterrupt *atomic.Int64

	frames   []vm.Frame
	n        int
	sentinel uint64
}

func newSlots(capacity, depth int) []slot {
	slots := make([]slot, capacity)
	for i := range slots {
		slots[i] = slot{
			word:          atomic.NewUint64(packSlotWord(0, slotRetired)),
			owner:         atomic.NewUint64(0),
			lastInterrupt: atomic.NewInt64(0),
			frames:        make([]vm.Frame, depth),
		}
	}
	return slots
}

func (s *slot) load() (uint64, slotState) {
	return unpackSlotWord(s.word.Load())
}

// transition moves the slot from one state to another keeping its sequence
// number.
func (s *slot) transition(from, to slotState) bool {
	w := s.word.Load()
	seq, cur := unpackSlotWord(w)
	if cur != from {
		return false
	}
	return s.word.CompareAndSwap(w, packSlotWord(seq, to))
}

// publish stores a written sample and hands it to the drain step.
func (s *slot) publish(seq uint64, n int) {
	s.n = n
	s.sentinel = seq
	s.word.Store(packSlotWord(seq, slotReady))
}

// sample returns the published frames and whether they are consistent with
// the sequence number they were published under.
func (s *slot) sample(seq uint64) ([]vm.Frame, bool) {
	if s.sentinel != seq || s.n < 0 || s.n > len(s.frames) {
		return nil, false
	}
	return s.frames[:s.n], true
}
