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
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log/level"
)

const (
	// Below this the scheduler yields in a loop instead of arming a timer.
	spinThreshold = time.Millisecond
	// Upper bound for waiting on in-flight captures when stopping.
	writeTimeout = time.Second
)

var errStopped = errors.New("scheduler stopped")

// run is one Stopped -> Running -> Stopped cycle of the scheduler.
type run struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	err      error
}

func newRun() *run {
	return &run{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *run) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// waitUntil blocks until deadline using absolute time so waits do not
// accumulate drift. Stop and cancellation are observed even when the
// deadline has already passed.
func (r *run) waitUntil(ctx context.Context, deadline time.Time) error {
	for {
		select {
		case <-r.stopCh:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		if remaining >= spinThreshold {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-r.stopCh:
				timer.Stop()
				return errStopped
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			continue
		}
		runtime.Gosched()
	}
}

// loop is the scheduler's timing loop. It returns nil when stopped and the
// context's error when cancelled.
func (p *Profiler) loop(ctx context.Context, st *state, r *run) error {
	level.Debug(p.logger).Log("msg", "sampling scheduler started", "interval", p.interval.duration())
	defer level.Debug(p.logger).Log("msg", "sampling scheduler stopped")

	last := time.Now()
	for {
		interval := p.interval.duration()
		deadline := last.Add(interval)
		if now := time.Now(); now.Sub(deadline) > interval {
			// Too far behind to catch up, resync.
			deadline = now
		}

		if err := r.waitUntil(ctx, deadline); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		last = deadline

		p.tick(st, interval)
	}
}

func (p *Profiler) tick(st *state, interval time.Duration) {
	start := time.Now()
	handles := st.registry.snapshot()

	// Collect what was published during the last interval first, the slots
	// would otherwise look busy to this round of interrupts.
	for _, h := range handles {
		p.drain(st.registry.slot(h))
	}

	for _, h := range handles {
		if h.State() != ThreadActive {
			continue
		}
		p.deliver(st, h, start)
	}

	if n := st.registry.reap(start, interval, p.settle); n > 0 {
		p.metrics.threads.WithLabelValues(labelEventReaped).Add(float64(n))
		level.Debug(p.logger).Log("msg", "reaped deregistered threads", "count", n)
	}

	p.metrics.tickDuration.Observe(time.Since(start).Seconds())
}

// deliver interrupts the thread behind h unless its slot is busy. Every
// call counts as one delivery and ends up as exactly one capture or drop.
func (p *Profiler) deliver(st *state, h *ThreadHandle, now time.Time) {
	p.counters.delivered.Inc()

	t := h.thread
	if t.Exited() {
		p.counters.drop(DropThreadGone)
		p.deregisterGone(st, h)
		return
	}

	s := st.registry.slot(h)
	if !s.transition(slotIdle, slotPending) {
		p.counters.drop(DropSlotBusy)
		return
	}
	s.lastInterrupt.Store(now.UnixNano())

	if err := t.Interrupt(); err != nil {
		// The handler cannot have run on an exited thread unless it
		// already resolved the slot itself.
		if s.transition(slotPending, slotIdle) {
			p.counters.drop(DropThreadGone)
		}
		p.deregisterGone(st, h)
	}
}

func (p *Profiler) deregisterGone(st *state, h *ThreadHandle) {
	if err := st.registry.unregister(h); err == nil {
		level.Debug(p.logger).Log("msg", "thread exited, deregistering", "thread", h.thread.Name(), "tid", h.NativeID())
	}
}

// drain hands a published sample to the aggregator and frees the slot.
func (p *Profiler) drain(s *slot) {
	seq, state := s.load()
	if state != slotReady {
		return
	}
	if frames, ok := s.sample(seq); ok {
		p.agg.Record(frames)
	} else {
		p.counters.drop(DropTorn)
	}
	s.word.Store(packSlotWord(seq, slotIdle))
}

// settle drains or cancels the slot and reports whether it is Idle.
func (p *Profiler) settle(s *slot) bool {
	p.drain(s)
	if s.transition(slotPending, slotIdle) {
		p.counters.drop(DropCancelled)
	}
	_, state := s.load()
	return state == slotIdle
}

// finalDrain resolves every outstanding interrupt once the loop has exited:
// pending ones are cancelled, in-flight ones are waited for and drained.
func (p *Profiler) finalDrain(st *state) {
	handles := st.registry.snapshot()

	for _, h := range handles {
		if st.registry.slot(h).transition(slotPending, slotIdle) {
			p.counters.drop(DropCancelled)
		}
	}

	deadline := time.Now().Add(writeTimeout)
	for _, h := range handles {
		s := st.registry.slot(h)
		for {
			if _, state := s.load(); state != slotWriting {
				break
			}
			if time.Now().After(deadline) {
				level.Warn(p.logger).Log("msg", "capture still in flight after stop", "thread", h.thread.Name())
				break
			}
			runtime.Gosched()
		}
		p.drain(s)
	}

	if n := st.registry.reap(time.Now(), 0, p.settle); n > 0 {
		p.metrics.threads.WithLabelValues(labelEventReaped).Add(float64(n))
	}
}
