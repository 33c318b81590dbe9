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
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComponentReloader is notified with every successfully parsed config.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// ConfigReloader watches a config file and applies it to the registered
// components whenever it changes.
type ConfigReloader struct {
	logger    log.Logger
	filename  string
	watcher   *fsnotify.Watcher
	reloaders []ComponentReloader

	reloadsTotal *prometheus.CounterVec
	lastSuccess  prometheus.Gauge
}

func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config file watcher: %w", err)
	}
	// Watching the file follows symlinks, so a replaced symlink target
	// shows up as a remove event.
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file %s: %w", filename, err)
	}

	r := &ConfigReloader{
		logger:    log.With(logger, "component", "config_reloader"),
		filename:  filename,
		watcher:   watcher,
		reloaders: reloaders,
		reloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_sampler_config_reloads_total",
			Help: "Total number of config file reloads by status.",
		}, []string{"status"}),
		lastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parca_sampler_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful config reload.",
		}),
	}
	r.reloadsTotal.WithLabelValues("success")
	r.reloadsTotal.WithLabelValues("failure")
	return r, nil
}

// Run blocks until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return errors.New("config file watcher closed")
			}
			level.Debug(r.logger).Log("msg", "config file event", "file", event.Name, "op", event.Op)

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// The watch is gone with the file it pointed to.
				if err := r.watch(ctx); err != nil {
					return err
				}
			} else if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return errors.New("config file watcher closed")
			}
			level.Error(r.logger).Log("msg", "config file watcher error", "err", err)
		}
	}
}

func (r *ConfigReloader) watch(ctx context.Context) error {
	const (
		attempts = 10
		wait     = 50 * time.Millisecond
	)
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.watcher.Add(r.filename); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("failed to re-watch config file %s: %w", r.filename, err)
}

func (r *ConfigReloader) reload() {
	cfg, err := LoadFile(r.filename)
	if err != nil {
		r.reloadsTotal.WithLabelValues("failure").Inc()
		level.Error(r.logger).Log("msg", "failed to load config file", "err", err)
		return
	}

	failed := false
	for _, cr := range r.reloaders {
		if err := cr.Reloader(cfg); err != nil {
			failed = true
			level.Error(r.logger).Log("msg", "failed to reload component", "component", cr.Name, "err", err)
		}
	}
	if failed {
		r.reloadsTotal.WithLabelValues("failure").Inc()
		return
	}

	r.reloadsTotal.WithLabelValues("success").Inc()
	r.lastSuccess.SetToCurrentTime()
	level.Info(r.logger).Log("msg", "config file reloaded", "file", r.filename)
}
