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
// Package sampler implements a sampling profiler for runtime threads: a
// registry of threads to sample, a per-thread slot store written from
// interrupt context, a scheduler that delivers interrupts at a fixed
// interval and an aggregator counting the captured stacks.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/exp/maps"

	"github.com/parca-dev/parca-sampler/pkg/pprof"
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// DefaultMaxThreads is the default size of the slot arena.
const DefaultMaxThreads = 1024

type options struct {
	maxThreads int
	maxDepth   int
	frequency  bool
	walker     func(*vm.Thread) vm.StackWalker
	symbolizer pprof.Symbolizer
}

type Option func(*options)

// WithMaxThreads bounds the number of concurrently registered threads.
func WithMaxThreads(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxThreads = n
		}
	}
}

// WithMaxStackDepth sets the frame capacity of each slot, at most
// MaxStackDepth. Deeper stacks are truncated to their innermost frames.
func WithMaxStackDepth(n int) Option {
	return func(o *options) {
		if n > 0 && n <= MaxStackDepth {
			o.maxDepth = n
		}
	}
}

// WithoutFrequencyAggregation only counts samples.
func WithoutFrequencyAggregation() Option {
	return func(o *options) {
		o.frequency = false
	}
}

// WithStackWalker replaces the thread's own stack walker. The returned
// walker is called from interrupt context.
func WithStackWalker(f func(*vm.Thread) vm.StackWalker) Option {
	return func(o *options) {
		o.walker = f
	}
}

// WithSymbolizer sets the symbolizer used by Profile. It defaults to the
// runtime's method table.
func WithSymbolizer(s pprof.Symbolizer) Option {
	return func(o *options) {
		o.symbolizer = s
	}
}

func threadWalker(t *vm.Thread) vm.StackWalker {
	return t
}

// Profiler samples the stacks of registered threads of one runtime.
type Profiler struct {
	logger log.Logger
	rt     *vm.Runtime
	opts   options

	counters *counters
	interval *interval
	agg      *Aggregator
	metrics  *metrics
	pprof    *pprof.Manager

	state *atomic.Pointer[state]

	// Guards the state lifecycle, the current run and handler installation.
	mtx       sync.Mutex
	run       *run
	installed bool
	started   time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, rt *vm.Runtime, opts ...Option) *Profiler {
	o := options{
		maxThreads: DefaultMaxThreads,
		maxDepth:   MaxStackDepth,
		frequency:  true,
		walker:     threadWalker,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.symbolizer == nil {
		o.symbolizer = pprof.NewRuntimeSymbolizer(rt)
	}

	c := newCounters()
	p := &Profiler{
		logger:   logger,
		rt:       rt,
		opts:     o,
		counters: c,
		interval: newInterval(),
		agg:      newAggregator(c, o.frequency),
		pprof:    pprof.NewManager(log.With(logger, "component", "pprof"), reg, o.symbolizer),
		state:    atomic.NewPointer[state](nil),
	}
	p.metrics = newMetrics(reg, p)
	return p
}

// SetupSignalHandler installs the capture handler into the runtime. Calling
// it again is a no-op. Failing to install is fatal for sampling and is
// returned to the caller.
func (p *Profiler) SetupSignalHandler() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.setupLocked()
}

func (p *Profiler) setupLocked() error {
	if p.installed {
		return nil
	}
	if err := p.rt.InstallInterruptHandler(p.capture); err != nil {
		return fmt.Errorf("setup interrupt handler: %w", err)
	}
	p.installed = true
	return nil
}

func (p *Profiler) walker(t *vm.Thread) vm.StackWalker {
	return p.opts.walker(t)
}

// RegisterThread adds t to the set of sampled threads.
func (p *Profiler) RegisterThread(t *vm.Thread) (*ThreadHandle, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.registerLocked(t)
}

func (p *Profiler) registerLocked(t *vm.Thread) (*ThreadHandle, error) {
	st := p.ensureStateLocked()
	h, err := st.registry.register(t)
	if err != nil {
		p.teardownLocked()
		return nil, err
	}
	p.metrics.threads.WithLabelValues(labelEventRegistered).Inc()
	level.Debug(p.logger).Log("msg", "thread registered", "thread", t.Name(), "tid", t.NativeID(), "handle", h.ID())
	return h, nil
}

// RegisterCurrentThread registers the thread ctx is bound to.
func (p *Profiler) RegisterCurrentThread(ctx context.Context) (*ThreadHandle, error) {
	t, ok := vm.ThreadFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no thread bound to context: %w", ErrUnknownThread)
	}
	return p.RegisterThread(t)
}

// UnregisterThread stops sampling the thread behind h. Its slot is released
// once no interrupt can be outstanding for it, at the latest one interval
// after the last one was sent.
func (p *Profiler) UnregisterThread(h *ThreadHandle) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	st := p.state.Load()
	if st == nil {
		return ErrUnknownThread
	}
	if err := st.registry.unregister(h); err != nil {
		return err
	}
	if p.run == nil {
		// Nothing can be in flight while stopped.
		if n := st.registry.reap(time.Now(), 0, p.settle); n > 0 {
			p.metrics.threads.WithLabelValues(labelEventReaped).Add(float64(n))
		}
		p.teardownLocked()
	}
	return nil
}

// Handle returns the live handle of t.
func (p *Profiler) Handle(t *vm.Thread) (*ThreadHandle, bool) {
	st := p.state.Load()
	if st == nil {
		return nil, false
	}
	return st.registry.lookup(t)
}

// Threads returns the registered handles in registration order.
func (p *Profiler) Threads() []*ThreadHandle {
	st := p.state.Load()
	if st == nil {
		return nil
	}
	return st.registry.snapshot()
}

func (p *Profiler) registeredThreads() int {
	st := p.state.Load()
	if st == nil {
		return 0
	}
	return st.registry.len()
}

// StartScheduler registers threads, installing the handler if needed, and
// runs the sampling loop on its own goroutine until StopScheduler is called
// or ctx is done. With no threads it samples whatever is registered. If one
// of threads cannot be registered, none of those registered by this call
// stay registered.
func (p *Profiler) StartScheduler(ctx context.Context, threads ...*vm.Thread) error {
	st, r, err := p.start(threads)
	if err != nil {
		return err
	}
	go func() {
		p.finish(st, r, p.loop(ctx, st, r))
	}()
	return nil
}

// StartSchedulerForCurrentThread is StartScheduler running the loop on the
// calling goroutine. It returns once the scheduler is stopped, with the
// context's error if ctx ended it.
func (p *Profiler) StartSchedulerForCurrentThread(ctx context.Context, threads ...*vm.Thread) error {
	st, r, err := p.start(threads)
	if err != nil {
		return err
	}
	err = p.loop(ctx, st, r)
	p.finish(st, r, err)
	return err
}

func (p *Profiler) start(threads []*vm.Thread) (*state, *run, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.run != nil {
		return nil, nil, ErrSchedulerAlreadyRunning
	}
	if err := p.setupLocked(); err != nil {
		return nil, nil, err
	}

	st := p.ensureStateLocked()
	added := make([]*ThreadHandle, 0, len(threads))
	for _, t := range threads {
		h, err := p.registerLocked(t)
		if errors.Is(err, ErrAlreadyRegistered) {
			continue
		}
		if err != nil {
			p.rollbackLocked(st, added)
			return nil, nil, err
		}
		added = append(added, h)
	}

	p.run = newRun()
	p.started = time.Now()
	return st, p.run, nil
}

// rollbackLocked removes the handles a failed start registered. The
// scheduler is not running, so no interrupt can be outstanding for them.
func (p *Profiler) rollbackLocked(st *state, handles []*ThreadHandle) {
	for _, h := range handles {
		_ = st.registry.unregister(h)
	}
	if n := st.registry.reap(time.Now(), 0, p.settle); n > 0 {
		p.metrics.threads.WithLabelValues(labelEventReaped).Add(float64(n))
	}
	p.teardownLocked()
}

func (p *Profiler) finish(st *state, r *run, err error) {
	p.finalDrain(st)

	p.mtx.Lock()
	p.run = nil
	p.teardownLocked()
	p.mtx.Unlock()

	r.err = err
	close(r.done)
}

// StopScheduler stops the loop after its current tick and waits for the
// final drain. It is a no-op when the scheduler is not running.
func (p *Profiler) StopScheduler() {
	p.mtx.Lock()
	r := p.run
	p.mtx.Unlock()

	if r == nil {
		return
	}
	r.stop()
	<-r.done
}

// Wait blocks until the running scheduler exits.
func (p *Profiler) Wait() error {
	p.mtx.Lock()
	r := p.run
	p.mtx.Unlock()

	if r == nil {
		return ErrSchedulerNotRunning
	}
	<-r.done
	return r.err
}

func (p *Profiler) Running() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.run != nil
}

// SetSamplingInterval sets the interval in nanoseconds, clamped to
// [MinInterval, MaxInterval]. It takes effect at the next tick.
func (p *Profiler) SetSamplingInterval(ns int64) error {
	v, err := p.interval.set(ns)
	if err != nil {
		return err
	}
	level.Debug(p.logger).Log("msg", "sampling interval set", "requested", ns, "interval", time.Duration(v))
	return nil
}

// SamplingInterval returns the interval in nanoseconds.
func (p *Profiler) SamplingInterval() int64 {
	return p.interval.get()
}

func (p *Profiler) Counters() Counters {
	return p.counters.snapshot()
}

func (p *Profiler) Aggregator() *Aggregator {
	return p.agg
}

// PrintCounter writes the number of capture handler runs followed by the
// full counter breakdown.
func (p *Profiler) PrintCounter(w io.Writer) error {
	c := p.Counters()

	reasons := maps.Keys(c.Drops)
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "counter=%d\n", c.Handled)
	fmt.Fprintf(&b, "delivered=%s captured=%s dropped=%s",
		humanize.Comma(int64(c.Delivered)),
		humanize.Comma(int64(c.Captured)),
		humanize.Comma(int64(c.Dropped)),
	)
	for _, r := range reasons {
		fmt.Fprintf(&b, " %s=%s", r, humanize.Comma(int64(c.Drops[r])))
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Profile exports the frequency table as a pprof profile.
func (p *Profiler) Profile() (*pprofprofile.Profile, error) {
	stacks := p.agg.Stacks()
	samples := make([]pprof.Sample, 0, len(stacks))
	for _, s := range stacks {
		samples = append(samples, pprof.Sample{
			Frames: s.Frames,
			Count:  int64(s.Count),
		})
	}

	p.mtx.Lock()
	since := p.started
	p.mtx.Unlock()
	if since.IsZero() {
		since = time.Now()
	}

	prof, err := p.pprof.NewConverter(since, p.interval.get()).Convert(samples)
	if err != nil {
		return nil, fmt.Errorf("convert to pprof: %w", err)
	}
	return prof, nil
}
