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
)

// DropReason says why an interrupt did not produce a sample.
type DropReason int

const (
	// The thread's slot still held an undrained or in-flight sample.
	DropSlotBusy DropReason = iota
	// The thread exited before it could be interrupted.
	DropThreadGone
	// The stack walk failed.
	DropCaptureFailed
	// The published sample did not match its sentinel.
	DropTorn
	// The interrupt was still pending when the thread was retired or the
	// scheduler stopped.
	DropCancelled

	numDropReasons
)

var dropReasonNames = [numDropReasons]string{
	DropSlotBusy:      "slot_busy",
	DropThreadGone:    "thread_gone",
	DropCaptureFailed: "capture_failed",
	DropTorn:          "torn",
	DropCancelled:     "cancelled",
}

func (r DropReason) String() string {
	if r < 0 || r >= numDropReasons {
		return "unknown"
	}
	return dropReasonNames[r]
}

// DropReasons lists every reason in a stable order.
func DropReasons() []DropReason {
	reasons := make([]DropReason, 0, numDropReasons)
	for r := DropReason(0); r < numDropReasons; r++ {
		reasons = append(reasons, r)
	}
	return reasons
}

// Counters is a point-in-time copy of the profiler's counters. Once the
// scheduler is stopped Delivered == Captured + Dropped.
type Counters struct {
	// Handled is the number of capture handler runs, including runs that
	// found nothing to answer or failed to walk the stack.
	Handled   uint64
	Delivered uint64
	Captured  uint64
	Dropped   uint64
	Drops     map[DropReason]uint64
}

// counters are only ever incremented, the capture handler touches them so
// every field is a plain atomic.
type counters struct {
	handled   *atomic.Uint64
	delivered *atomic.Uint64
	captured  *atomic.Uint64
	dropped   *atomic.Uint64
	drops     [numDropReasons]*atomic.Uint64
}

func newCounters() *counters {
	c := &counters{
		handled:   atomic.NewUint64(0),
		delivered: atomic.NewUint64(0),
		captured:  atomic.NewUint64(0),
		dropped:   atomic.NewUint64(0),
	}
	for i := range c.drops {
		c.drops[i] = atomic.NewUint64(0)
	}
	return c
}

func (c *counters) drop(r DropReason) {
	c.drops[r].Inc()
	c.dropped.Inc()
}

func (c *counters) snapshot() Counters {
	s := Counters{
		Drops: make(map[DropReason]uint64, numDropReasons),
	}
	// Outcomes first so a concurrent reader never sees more outcomes than
	// deliveries.
	s.Captured = c.captured.Load()
	s.Dropped = c.dropped.Load()
	for r, v := range c.drops {
		s.Drops[DropReason(r)] = v.Load()
	}
	s.Delivered = c.delivered.Load()
	s.Handled = c.handled.Load()
	return s
}
