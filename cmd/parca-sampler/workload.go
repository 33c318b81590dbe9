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
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-sampler/flags"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

const (
	// computeQuantum is how long a compute worker holds the GVL at a time.
	computeQuantum = time.Millisecond
	// sleepQuantum is how long the coordinator sleeps holding the GVL before
	// handing it to compute workers.
	sleepQuantum = 10 * time.Millisecond
)

// workload runs threads that recurse to a fixed depth and then either park
// or compute under the GVL, while a coordinator sleeps holding the GVL.
type workload struct {
	logger log.Logger
	rt     *vm.Runtime
	prof   *sampler.Profiler

	threads  int
	depth    int
	mode     string
	duration time.Duration
	opts     []vm.ThreadOption

	recurseID uint64
	computeID uint64
	mainID    uint64

	// Number of GVL quanta compute workers ran.
	quanta *atomic.Uint64
}

func newWorkload(logger log.Logger, rt *vm.Runtime, prof *sampler.Profiler, f flags.FlagsWorkload, opts ...vm.ThreadOption) *workload {
	return &workload{
		logger:    logger,
		rt:        rt,
		prof:      prof,
		threads:   f.Threads,
		depth:     f.Depth,
		mode:      f.Mode,
		duration:  f.Duration,
		opts:      opts,
		recurseID: rt.DefineMethod("recurse", "workload.rb", 3),
		computeID: rt.DefineMethod("compute", "workload.rb", 12),
		mainID:    rt.DefineMethod("<main>", "workload.rb", 20),
		quanta:    atomic.NewUint64(0),
	}
}

func (w *workload) Name() string {
	return "workload"
}

// Run blocks until the workload duration has passed or ctx is done.
func (w *workload) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.threads; i++ {
		opts := append([]vm.ThreadOption{vm.WithName(fmt.Sprintf("worker-%d", i))}, w.opts...)
		th := w.rt.Go(ctx, w.worker, opts...)
		g.Go(func() error {
			<-th.Done()
			return th.Err()
		})
	}

	coordinator := w.rt.Go(ctx, func(ctx context.Context, th *vm.Thread) error {
		defer cancel()
		return w.coordinate(ctx, th)
	}, append([]vm.ThreadOption{vm.WithName("main")}, w.opts...)...)
	g.Go(func() error {
		<-coordinator.Done()
		return coordinator.Err()
	})

	level.Info(w.logger).Log("msg", "workload started", "threads", w.threads, "depth", w.depth, "mode", w.mode)
	err := g.Wait()
	level.Info(w.logger).Log("msg", "workload finished", "compute_quanta", w.quanta.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *workload) worker(ctx context.Context, th *vm.Thread) error {
	h, err := w.prof.RegisterCurrentThread(ctx)
	if err != nil {
		return fmt.Errorf("register %s: %w", th.Name(), err)
	}
	defer func() {
		if err := w.prof.UnregisterThread(h); err != nil {
			level.Debug(w.logger).Log("msg", "failed to unregister thread", "thread", th.Name(), "err", err)
		}
	}()

	return w.recurse(ctx, th, w.depth)
}

func (w *workload) recurse(ctx context.Context, th *vm.Thread, n int) error {
	if n == 0 {
		if w.mode == flags.WorkloadModeCompute {
			return w.compute(ctx, th)
		}
		return th.Park(ctx)
	}

	var err error
	th.Call(vm.Frame{ID: w.recurseID, Line: 5}, func() {
		err = w.recurse(ctx, th, n-1)
	})
	return err
}

func (w *workload) compute(ctx context.Context, th *vm.Thread) error {
	var err error
	th.Call(vm.Frame{ID: w.computeID, Line: 14}, func() {
		for ctx.Err() == nil {
			if err = w.rt.GVL().Acquire(ctx, th); err != nil {
				return
			}
			deadline := time.Now().Add(computeQuantum)
			for time.Now().Before(deadline) {
				th.Safepoint()
			}
			w.rt.GVL().Release(th)
			w.quanta.Inc()
		}
		err = ctx.Err()
	})
	return err
}

// coordinate sleeps holding the GVL, keeping itself sampleable. In compute
// mode it gives the GVL up between sleep quanta so workers make progress.
func (w *workload) coordinate(ctx context.Context, th *vm.Thread) error {
	h, err := w.prof.RegisterCurrentThread(ctx)
	if err != nil {
		return fmt.Errorf("register coordinator: %w", err)
	}
	defer w.prof.UnregisterThread(h) //nolint:errcheck

	th.Call(vm.Frame{ID: w.mainID, Line: 22}, func() {
		if w.mode == flags.WorkloadModeCompute {
			err = w.sleepShared(ctx, th)
			return
		}

		if err = w.rt.GVL().Acquire(ctx, th); err != nil {
			return
		}
		defer w.rt.GVL().Release(th)

		if w.duration > 0 {
			err = w.rt.SleepWithGVL(ctx, th, w.duration)
			return
		}
		err = th.Park(ctx)
	})
	return err
}

// sleepShared sleeps for the workload duration, or until ctx is done when
// it is zero, in quanta that each hold the GVL.
func (w *workload) sleepShared(ctx context.Context, th *vm.Thread) error {
	var end time.Time
	if w.duration > 0 {
		end = time.Now().Add(w.duration)
	}
	for {
		d := sleepQuantum
		if !end.IsZero() {
			remaining := time.Until(end)
			if remaining <= 0 {
				return nil
			}
			if remaining < d {
				d = remaining
			}
		}

		if err := w.rt.GVL().Acquire(ctx, th); err != nil {
			return err
		}
		err := w.rt.SleepWithGVL(ctx, th, d)
		w.rt.GVL().Release(th)
		if err != nil {
			return err
		}
	}
}
