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
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

const (
	// DefaultMaxFrames is the capacity of the native PC buffer used by
	// threads created with WithGoStacks.
	DefaultMaxFrames = 256

	// runtime.Callers and WalkStack.
	goStackSkip = 2
)

type threadOptions struct {
	name      string
	goStacks  bool
	maxFrames int
}

type ThreadOption func(*threadOptions)

func WithName(name string) ThreadOption {
	return func(o *threadOptions) {
		o.name = name
	}
}

// WithGoStacks makes WalkStack report the goroutine's native Go program
// counters instead of the managed frame stack.
func WithGoStacks() ThreadOption {
	return func(o *threadOptions) {
		o.goStacks = true
	}
}

func WithMaxFrames(n int) ThreadOption {
	return func(o *threadOptions) {
		if n > 0 {
			o.maxFrames = n
		}
	}
}

// Thread is a runtime thread: a goroutine locked to its OS thread, executing
// managed frames. Everything except Interrupt, the identity getters, Exited
// and the slot binding must only be called from the thread's own goroutine.
type Thread struct {
	rt   *Runtime
	id   uint64
	tid  int
	name string

	// Managed frame stack, outermost first.
	frames []Frame
	// Preallocated for WithGoStacks.
	pcs      []uintptr
	goStacks bool

	pending *atomic.Bool
	wake    chan struct{}

	holdsGVL *atomic.Bool
	noUnwind int
	slot     *atomic.Int32
	exited   *atomic.Bool

	done chan struct{}
	err  error
}

func (r *Runtime) newThread(opts ...ThreadOption) *Thread {
	o := threadOptions{maxFrames: DefaultMaxFrames}
	for _, opt := range opts {
		opt(&o)
	}

	id := r.nextThreadID.Inc()
	if o.name == "" {
		o.name = fmt.Sprintf("thread-%d", id)
	}

	t := &Thread{
		rt:       r,
		id:       id,
		name:     o.name,
		frames:   make([]Frame, 0, 64),
		goStacks: o.goStacks,
		pending:  atomic.NewBool(false),
		wake:     make(chan struct{}, 1),
		holdsGVL: atomic.NewBool(false),
		slot:     atomic.NewInt32(-1),
		exited:   atomic.NewBool(false),
		done:     make(chan struct{}),
	}
	if o.goStacks {
		t.pcs = make([]uintptr, o.maxFrames)
	}
	return t
}

// Go starts fn on a new thread and returns once the thread is running and
// its native id is known. The thread exits when fn returns.
func (r *Runtime) Go(ctx context.Context, fn func(ctx context.Context, t *Thread) error, opts ...ThreadOption) *Thread {
	t := r.newThread(opts...)
	started := make(chan struct{})

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		t.tid = nativeThreadID(t.id)
		close(started)

		defer func() {
			t.exit()
			close(t.done)
		}()
		t.err = fn(WithThread(ctx, t), t)
		if t.err != nil && ctx.Err() == nil {
			level.Debug(r.logger).Log("msg", "thread returned error", "thread", t.name, "err", t.err)
		}
	}()

	<-started
	return t
}

// Attach binds the calling goroutine to a new thread. The returned function
// detaches it and marks the thread exited.
func (r *Runtime) Attach(opts ...ThreadOption) (*Thread, func()) {
	t := r.newThread(opts...)

	runtime.LockOSThread()
	t.tid = nativeThreadID(t.id)

	return t, func() {
		t.exit()
		close(t.done)
		runtime.UnlockOSThread()
	}
}

// ID is the thread's logical id. Logical ids are never reused.
func (t *Thread) ID() uint64 {
	return t.id
}

// NativeID is the platform thread id the thread runs on.
func (t *Thread) NativeID() int {
	return t.tid
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) Runtime() *Runtime {
	return t.rt
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Err returns the error the thread's function returned. It is only valid
// after Done is closed.
func (t *Thread) Err() error {
	return t.err
}

func (t *Thread) Exited() bool {
	return t.exited.Load()
}

func (t *Thread) exit() {
	if t.holdsGVL.Load() {
		t.rt.gvl.Release(t)
	}
	t.exited.Store(true)
}

// BindSlot records the sample slot index owned by this thread, -1 for none.
func (t *Thread) BindSlot(idx int) {
	t.slot.Store(int32(idx))
}

func (t *Thread) Slot() int {
	return int(t.slot.Load())
}

// Interrupt asks the thread to run the installed interrupt handler. It never
// blocks: the thread services the request at its next safepoint or right
// away if it is parked in an interruptible wait. Requests coalesce while one
// is pending.
func (t *Thread) Interrupt() error {
	if t.exited.Load() {
		return ErrThreadExited
	}
	t.pending.Store(true)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Safepoint services a pending interrupt, if any.
func (t *Thread) Safepoint() {
	if t.pending.CompareAndSwap(true, false) {
		t.rt.dispatch(t)
	}
}

func (t *Thread) Push(f Frame) {
	t.frames = append(t.frames, f)
}

func (t *Thread) Pop() {
	if len(t.frames) > 0 {
		t.frames = t.frames[:len(t.frames)-1]
	}
}

// Depth is the current managed stack depth.
func (t *Thread) Depth() int {
	return len(t.frames)
}

// Call runs fn inside a new managed frame. Entering the frame is a
// safepoint.
func (t *Thread) Call(f Frame, fn func()) {
	t.Push(f)
	defer t.Pop()

	t.Safepoint()
	fn()
}

// WithoutUnwind runs fn in a region where the stack must not be walked.
// Interrupts serviced inside it see ErrUnsafeToUnwind.
func (t *Thread) WithoutUnwind(fn func()) {
	t.noUnwind++
	defer func() { t.noUnwind-- }()

	fn()
}

// WalkStack implements StackWalker. It is called by the interrupt handler
// on the thread's own goroutine, writes at most len(buf) frames innermost
// first and does not allocate.
func (t *Thread) WalkStack(buf []Frame) (int, error) {
	if t.exited.Load() {
		return 0, ErrThreadExited
	}
	if t.noUnwind > 0 {
		return 0, ErrUnsafeToUnwind
	}

	if t.goStacks {
		n := runtime.Callers(goStackSkip, t.pcs)
		if n > len(buf) {
			n = len(buf)
		}
		for i := 0; i < n; i++ {
			buf[i] = Frame{ID: uint64(t.pcs[i])}
		}
		return n, nil
	}

	n := len(t.frames)
	if n > len(buf) {
		n = len(buf)
	}
	top := len(t.frames) - 1
	for i := 0; i < n; i++ {
		buf[i] = t.frames[top-i]
	}
	return n, nil
}

// Sleep blocks for d, releasing the GVL while asleep. Interrupts are
// serviced while blocked.
func (t *Thread) Sleep(ctx context.Context, d time.Duration) error {
	return t.wait(ctx, d, true)
}

// Park blocks until ctx is done, releasing the GVL and servicing
// interrupts while parked.
func (t *Thread) Park(ctx context.Context) error {
	return t.wait(ctx, -1, true)
}

func (t *Thread) wait(ctx context.Context, d time.Duration, release bool) error {
	released := release && t.holdsGVL.Load()
	if released {
		t.rt.gvl.Release(t)
	}

	var timeout <-chan time.Time
	if d >= 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	t.Safepoint()
loop:
	for {
		select {
		case <-t.wake:
			t.Safepoint()
		case <-timeout:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}

	if released {
		if aerr := t.rt.gvl.Acquire(context.WithoutCancel(ctx), t); aerr != nil {
			return fmt.Errorf("reacquire gvl: %w", aerr)
		}
	}
	return err
}
