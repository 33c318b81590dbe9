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
	"net/http"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	profilestorepb "github.com/parca-dev/parca/gen/proto/go/parca/profilestore/v1alpha1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/atomic"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-sampler/flags"
	"github.com/parca-dev/parca-sampler/pkg/buildinfo"
	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/logger"
	parcapprof "github.com/parca-dev/parca-sampler/pkg/pprof"
	"github.com/parca-dev/parca-sampler/pkg/profiler"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/symbol"
	"github.com/parca-dev/parca-sampler/pkg/tracer"
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

var version string

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-sampler")

	if f.Version {
		fmt.Println(version)
		os.Exit(int(flags.ExitSuccess))
	}

	if err := f.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid flags", "err", err)
		os.Exit(int(flags.ExitParseError))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Parca Sampler ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	var (
		cfg              = &config.Config{}
		configFileExists bool
	)

	if f.ConfigPath != "" {
		configFileExists = true

		cfgFile, err := config.LoadFile(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfgFile
	}

	info, err := buildinfo.Fetch(version)
	if err != nil {
		return fmt.Errorf("failed to fetch build info: %w", err)
	}
	level.Debug(logger).Log(append([]interface{}{"msg", "parca-sampler initialized", "config", fmt.Sprintf("%+v", f)}, info.KeyVals()...)...)

	rt := vm.NewRuntime(log.With(logger, "component", "runtime"))

	var (
		threadOpts = []vm.ThreadOption{vm.WithMaxFrames(f.Sampling.MaxStackDepth)}
		symbolizer parcapprof.Symbolizer
	)
	if f.Sampling.GoStacks {
		goSymbolizer := symbol.NewGoSymbolizer(log.With(logger, "component", "symbolizer"), reg, f.Sampling.SymbolCacheSize)
		defer goSymbolizer.Close()

		symbolizer = goSymbolizer
		threadOpts = append(threadOpts, vm.WithGoStacks())
	} else {
		symbolizer = parcapprof.NewRuntimeSymbolizer(rt)
	}

	opts := []sampler.Option{
		sampler.WithMaxThreads(f.Sampling.MaxThreads),
		sampler.WithMaxStackDepth(f.Sampling.MaxStackDepth),
		sampler.WithSymbolizer(symbolizer),
	}
	if f.Sampling.FrequencyAggregationDisable {
		opts = append(opts, sampler.WithoutFrequencyAggregation())
	}
	prof := sampler.New(log.With(logger, "component", "sampler"), reg, rt, opts...)

	if err := prof.SetupSignalHandler(); err != nil {
		return fmt.Errorf("failed to install capture handler: %w", err)
	}
	if err := applySamplingConfig(prof, f.Sampling.Interval, cfg); err != nil {
		return err
	}

	labels := model.LabelSet{"node": model.LabelValue(f.Node)}
	for name, value := range f.Metadata.ExternalLabels {
		labels[model.LabelName(name)] = model.LabelValue(value)
	}

	ctx := context.Background()

	tp, shutdownTracing, err := tracer.NewProvider(ctx, logger, f.OTLP.Exporter, f.OTLP.Address, info.Version, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to shutdown tracer provider", "err", err)
		}
	}()

	var store profiler.ProfileStore
	switch {
	case f.LocalStore.Directory != "":
		store = profiler.NewFileStore(f.LocalStore.Directory)
		level.Info(logger).Log("msg", "local profile storage is enabled", "dir", f.LocalStore.Directory)
	case f.RemoteStore.Address != "":
		conn, err := f.RemoteStore.WaitGrpcEndpoint(ctx, logger, reg, tp)
		if err != nil {
			return err
		}
		defer conn.Close()

		store = profiler.NewRemoteStore(
			log.With(logger, "component", "remote_store"),
			tp.Tracer("remote_store"),
			profilestorepb.NewProfileStoreServiceClient(conn),
			f.RemoteStore.WriteMaxRetries,
		)
	}

	var exporter *profiler.Exporter
	if store != nil {
		exportDuration := f.Sampling.ExportDuration
		if cfg.Sampling.ExportDuration > 0 {
			exportDuration = cfg.Sampling.ExportDuration
		}
		exporter = profiler.NewExporter(
			log.With(logger, "component", "exporter"),
			reg,
			prof,
			store,
			labels.Merge(cfg.Labels()),
			exportDuration,
		)
		exporter.SetRelabelConfigs(cfg.RelabelConfigs)
	}

	current := atomic.NewPointer(cfg)

	w := newWorkload(log.With(logger, "component", "workload"), rt, prof, f.Workload, threadOpts...)

	var g okrun.Group

	// Run group for the scheduler. It samples on its own thread.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: scheduler", "interval", time.Duration(prof.SamplingInterval()))
			defer level.Debug(logger).Log("msg", "stopped: scheduler")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "scheduler"), func(ctx context.Context) {
				err = prof.StartSchedulerForCurrentThread(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for the workload. The program exits once it returns.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: workload")
			defer level.Debug(logger).Log("msg", "stopped: workload")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", w.Name()), func(ctx context.Context) {
				err = w.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	if exporter != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: profile exporter")
			defer level.Debug(logger).Log("msg", "stopped: profile exporter")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", exporter.Name()), func(ctx context.Context) {
				err = exporter.Run(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	if configFileExists {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		reloaders := []config.ComponentReloader{
			{
				// Used by the status page.
				Name: "main",
				Reloader: func(newCfg *config.Config) error {
					current.Store(newCfg)
					return nil
				},
			},
			{
				Name: "sampling",
				Reloader: func(cfg *config.Config) error {
					return applySamplingConfig(prof, f.Sampling.Interval, cfg)
				},
			},
		}
		if exporter != nil {
			reloaders = append(reloaders, config.ComponentReloader{
				Name: "labels",
				Reloader: func(cfg *config.Config) error {
					exporter.SetLabels(labels.Merge(cfg.Labels()))
					exporter.SetRelabelConfigs(cfg.RelabelConfigs)
					return nil
				},
			})
		}

		cfgReloader, err := config.NewConfigReloader(logger, reg, f.ConfigPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: config file reloader")
				defer level.Debug(logger).Log("msg", "stopped: config file reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(_ context.Context) {
					err = cfgReloader.Run(ctx)
				})

				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	// Run group for http server.
	{
		srv := &http.Server{
			Addr: f.HTTPAddress,
			Handler: otelhttp.NewHandler(newMux(logger, reg, &status{
				node:       f.Node,
				version:    info.Version,
				prof:       prof,
				symbolizer: symbolizer,
				exporter:   exporter,
				config:     current.Load,
			}), "http", otelhttp.WithTracerProvider(tp)),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "address", f.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()

	var signalErr okrun.SignalError
	if errors.As(err, &signalErr) {
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", signalErr.Signal)
		err = nil
	}

	// The group stops the scheduler before it returns, so the counters are
	// final and balanced.
	if exporter != nil {
		if eerr := exporter.Export(context.Background()); eerr != nil {
			level.Warn(logger).Log("msg", "failed to export final profile", "err", eerr)
		}
	}
	if perr := prof.PrintCounter(os.Stdout); perr != nil {
		level.Warn(logger).Log("msg", "failed to print counters", "err", perr)
	}

	return err
}

// applySamplingConfig sets the interval from the config file, falling back
// to the flag value.
func applySamplingConfig(prof *sampler.Profiler, flagInterval time.Duration, cfg *config.Config) error {
	interval := flagInterval
	if cfg.Sampling.Interval > 0 {
		interval = cfg.Sampling.Interval
	}
	if err := prof.SetSamplingInterval(int64(interval)); err != nil {
		return fmt.Errorf("failed to set sampling interval: %w", err)
	}
	return nil
}

