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

package vm

import (
	"context"

	"go.uber.org/atomic"
)

// GVL is the global execution lock. At most one thread holds it at a time.
// A thread blocked acquiring it keeps servicing interrupts.
type GVL struct {
	sem    chan struct{}
	holder *atomic.Uint64
}

func newGVL() *GVL {
	return &GVL{
		sem:    make(chan struct{}, 1),
		holder: atomic.NewUint64(0),
	}
}

// Acquire blocks until t holds the lock or ctx is done. Acquiring a lock
// already held by t is a no-op.
func (g *GVL) Acquire(ctx context.Context, t *Thread) error {
	if t.holdsGVL.Load() {
		return nil
	}
	for {
		select {
		case g.sem <- struct{}{}:
			g.holder.Store(t.id)
			t.holdsGVL.Store(true)
			return nil
		case <-t.wake:
			t.Safepoint()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release gives up the lock if t holds it.
func (g *GVL) Release(t *Thread) {
	if !t.holdsGVL.CompareAndSwap(true, false) {
		return
	}
	g.holder.Store(0)
	<-g.sem
}

// Holder returns the logical id of the holding thread, 0 if unheld.
func (g *GVL) Holder() uint64 {
	return g.holder.Load()
}

// HoldsGVL reports whether t holds the global execution lock.
func (t *Thread) HoldsGVL() bool {
	return t.holdsGVL.Load()
}
