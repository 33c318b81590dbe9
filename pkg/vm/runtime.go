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

// Package vm models the host runtime the sampler profiles: threads executing
// managed frames under a global execution lock, an interrupt-delivery
// mechanism and a stack-walking primitive that is safe to call while a
// thread services an interrupt.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

var (
	ErrHandlerInstall = errors.New("failed to install interrupt handler")
	ErrThreadExited   = errors.New("thread exited")
	ErrUnsafeToUnwind = errors.New("thread is in a state where unwinding is unsafe")
)

// Frame is one call-stack entry as reported by the stack walker. ID is an
// opaque method or address token; Line is optional and zero when unknown.
type Frame struct {
	ID   uint64
	Line int32
}

// StackWalker walks the calling thread's stack into buf, innermost frame
// first, and returns the number of frames written. Implementations are
// called from interrupt context: they must be bounded in time, must not
// allocate and must not take locks.
type StackWalker interface {
	WalkStack(buf []Frame) (int, error)
}

// InterruptHandler is run on a thread's own execution context when it
// services a pending interrupt.
type InterruptHandler func(t *Thread)

// Method describes a managed method that frames refer to by ID.
type Method struct {
	ID        uint64
	Name      string
	File      string
	StartLine int64
}

// Runtime is the process-wide host runtime.
type Runtime struct {
	logger log.Logger

	gvl     *GVL
	handler *atomic.Pointer[InterruptHandler]

	nextThreadID *atomic.Uint64

	mtx     *sync.RWMutex
	methods []Method
}

func NewRuntime(logger log.Logger) *Runtime {
	return &Runtime{
		logger:       logger,
		gvl:          newGVL(),
		handler:      atomic.NewPointer[InterruptHandler](nil),
		nextThreadID: atomic.NewUint64(0),
		mtx:          &sync.RWMutex{},
	}
}

// GVL returns the runtime's global execution lock.
func (r *Runtime) GVL() *GVL {
	return r.gvl
}

// InstallInterruptHandler installs h as the process-wide interrupt handler.
// Installing is only possible once per runtime.
func (r *Runtime) InstallInterruptHandler(h InterruptHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrHandlerInstall)
	}
	if !r.handler.CompareAndSwap(nil, &h) {
		return fmt.Errorf("%w: a handler is already installed", ErrHandlerInstall)
	}
	level.Debug(r.logger).Log("msg", "interrupt handler installed")
	return nil
}

// HandlerInstalled reports whether an interrupt handler is installed.
func (r *Runtime) HandlerInstalled() bool {
	return r.handler.Load() != nil
}

func (r *Runtime) dispatch(t *Thread) {
	if h := r.handler.Load(); h != nil {
		(*h)(t)
	}
}

// DefineMethod adds a method to the runtime's method table and returns the
// frame ID that refers to it.
func (r *Runtime) DefineMethod(name, file string, startLine int64) uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	id := uint64(len(r.methods)) + 1 // 0 is never a valid method.
	r.methods = append(r.methods, Method{
		ID:        id,
		Name:      name,
		File:      file,
		StartLine: startLine,
	})
	return id
}

// Method resolves a frame ID defined with DefineMethod.
func (r *Runtime) Method(id uint64) (Method, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if id == 0 || id > uint64(len(r.methods)) {
		return Method{}, false
	}
	return r.methods[id-1], true
}

// SleepWithGVL blocks t for d without giving up the GVL if t holds it. The
// thread keeps servicing interrupts while blocked, so it stays sampleable.
func (r *Runtime) SleepWithGVL(ctx context.Context, t *Thread, d time.Duration) error {
	return t.wait(ctx, d, false)
}

type threadKey struct{}

// WithThread returns a context bound to t.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// ThreadFromContext returns the thread bound to ctx, if any.
func ThreadFromContext(ctx context.Context) (*Thread, bool) {
	t, ok := ctx.Value(threadKey{}).(*Thread)
	return t, ok && t != nil
}
