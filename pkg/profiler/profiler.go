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
// Package profiler periodically exports the sampler's frequency table as
// pprof profiles to a local directory or a remote Parca profile store.
package profiler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"
)

// ProfileName is the __name__ label of exported profiles.
const ProfileName = "parca_sampler_wall"

const metaExportDuration = model.MetaLabelPrefix + "export_duration"

// Source produces cumulative profiles, every call includes all samples of
// the previous ones.
type Source interface {
	Profile() (*profile.Profile, error)
}

type ProfileStore interface {
	Store(ctx context.Context, ls model.LabelSet, prof *profile.Profile) error
}

// Exporter writes the samples collected since the previous export every
// duration.
type Exporter struct {
	logger  log.Logger
	metrics *metrics

	source   Source
	store    ProfileStore
	duration time.Duration

	prev *profile.Profile

	mtx                *sync.RWMutex
	labels             model.LabelSet
	relabelConfigs     []*relabel.Config
	lastProfileTakenAt time.Time
	lastError          error
}

func NewExporter(
	logger log.Logger,
	reg prometheus.Registerer,
	source Source,
	store ProfileStore,
	ls model.LabelSet,
	duration time.Duration,
) *Exporter {
	return &Exporter{
		logger:   logger,
		metrics:  newMetrics(reg),
		source:   source,
		store:    store,
		duration: duration,
		mtx:      &sync.RWMutex{},
		labels:   withName(ls),
	}
}

func withName(ls model.LabelSet) model.LabelSet {
	return ls.Merge(model.LabelSet{model.MetricNameLabel: ProfileName})
}

// SetLabels replaces the labels attached to profiles exported from now on.
func (e *Exporter) SetLabels(ls model.LabelSet) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.labels = withName(ls)
}

// SetRelabelConfigs replaces the relabeling rules applied to the label set
// of every export. A profile whose labels are dropped is not stored.
func (e *Exporter) SetRelabelConfigs(cfgs []*relabel.Config) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.relabelConfigs = cfgs
}

func (e *Exporter) Labels() model.LabelSet {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	return e.labels.Clone()
}

func (e *Exporter) Duration() time.Duration {
	return e.duration
}

func (e *Exporter) Name() string {
	return "wall-exporter"
}

func (e *Exporter) Run(ctx context.Context) error {
	level.Debug(e.logger).Log("msg", "starting profile exporter", "duration", e.duration)

	ticker := time.NewTicker(e.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := e.Export(ctx)
		if err != nil {
			level.Warn(e.logger).Log("msg", "failed to export profile", "err", err)
		}
		e.report(err)
	}
}

// Export writes the delta since the previous export. Nothing is written when
// no new sample was collected.
func (e *Exporter) Export(ctx context.Context) error {
	start := time.Now()

	cur, err := e.source.Profile()
	if err != nil {
		e.metrics.exportAttempts.WithLabelValues(labelError).Inc()
		return fmt.Errorf("obtain profile: %w", err)
	}

	delta, err := e.delta(cur)
	if err != nil {
		e.metrics.exportAttempts.WithLabelValues(labelError).Inc()
		return fmt.Errorf("compute delta profile: %w", err)
	}
	if len(delta.Sample) == 0 {
		e.metrics.exportAttempts.WithLabelValues(labelEmpty).Inc()
		return nil
	}

	ls, keep := e.target()
	if !keep {
		// Consumed, the dropped samples are not sent with the next delta.
		e.prev = cur
		e.metrics.exportAttempts.WithLabelValues(labelDropped).Inc()
		return nil
	}

	if err := e.store.Store(ctx, ls, delta); err != nil {
		e.metrics.exportAttempts.WithLabelValues(labelError).Inc()
		return fmt.Errorf("store profile: %w", err)
	}
	e.prev = cur

	e.metrics.exportAttempts.WithLabelValues(labelSuccess).Inc()
	e.metrics.exportDuration.Observe(time.Since(start).Seconds())
	return nil
}

// target applies the relabel configs to the exporter's labels. Meta labels
// are only visible to relabeling and removed afterwards.
func (e *Exporter) target() (model.LabelSet, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	if len(e.relabelConfigs) == 0 {
		return e.labels.Clone(), true
	}

	lb := labels.NewBuilder(labels.EmptyLabels())
	for name, value := range e.labels {
		lb.Set(string(name), string(value))
	}
	lb.Set(metaExportDuration, e.duration.String())

	if !relabel.ProcessBuilder(lb, e.relabelConfigs...) {
		return nil, false
	}

	ls := model.LabelSet{}
	lb.Labels().Range(func(l labels.Label) {
		if strings.HasPrefix(l.Name, model.MetaLabelPrefix) {
			return
		}
		ls[model.LabelName(l.Name)] = model.LabelValue(l.Value)
	})
	return ls, true
}

func (e *Exporter) delta(cur *profile.Profile) (*profile.Profile, error) {
	if e.prev == nil {
		return cur.Copy(), nil
	}

	prev := e.prev.Copy()
	prev.Scale(-1)
	delta, err := profile.Merge([]*profile.Profile{prev, cur})
	if err != nil {
		return nil, err
	}
	delta.TimeNanos = e.prev.TimeNanos + e.prev.DurationNanos
	delta.DurationNanos = cur.TimeNanos + cur.DurationNanos - delta.TimeNanos

	// Stacks that did not grow since the previous export merge to zero.
	samples := delta.Sample[:0]
	for _, s := range delta.Sample {
		for _, v := range s.Value {
			if v != 0 {
				samples = append(samples, s)
				break
			}
		}
	}
	delta.Sample = samples
	return delta, nil
}

func (e *Exporter) report(err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.lastError = err
	if err == nil {
		e.lastProfileTakenAt = time.Now()
	}
}

func (e *Exporter) LastProfileTakenAt() time.Time {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	return e.lastProfileTakenAt
}

func (e *Exporter) LastError() error {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	return e.lastError
}
