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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelReason = "reason"

	labelEventRegistered = "registered"
	labelEventReaped     = "reaped"
)

type metrics struct {
	tickDuration prometheus.Histogram
	threads      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, p *Profiler) *metrics {
	m := &metrics{
		tickDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "parca_sampler_tick_duration_seconds",
				Help:                        "Time spent delivering interrupts and draining samples per scheduler tick.",
				NativeHistogramBucketFactor: 1.1,
			},
		),
		threads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_thread_registrations_total",
				Help: "Total number of thread registrations and reaps.",
			},
			[]string{"event"},
		),
	}
	m.threads.WithLabelValues(labelEventRegistered)
	m.threads.WithLabelValues(labelEventReaped)

	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parca_sampler_registered_threads",
			Help: "Number of threads in the registry, including deregistering ones.",
		},
		func() float64 { return float64(p.registeredThreads()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parca_sampler_interval_seconds",
			Help: "Current sampling interval.",
		},
		func() float64 { return p.interval.duration().Seconds() },
	)

	if reg != nil {
		reg.MustRegister(newCountersCollector(p.counters))
	}
	return m
}

// countersCollector exposes the profiler counters at scrape time so the
// capture handler only ever touches atomics.
type countersCollector struct {
	c *counters

	handled   *prometheus.Desc
	delivered *prometheus.Desc
	captured  *prometheus.Desc
	dropped   *prometheus.Desc
}

func newCountersCollector(c *counters) *countersCollector {
	return &countersCollector{
		c: c,
		handled: prometheus.NewDesc(
			"parca_sampler_handler_runs_total",
			"Total number of capture handler runs.",
			nil, nil,
		),
		delivered: prometheus.NewDesc(
			"parca_sampler_interrupts_delivered_total",
			"Total number of interrupt attempts, one per thread per tick.",
			nil, nil,
		),
		captured: prometheus.NewDesc(
			"parca_sampler_samples_captured_total",
			"Total number of samples recorded by the aggregator.",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			"parca_sampler_samples_dropped_total",
			"Total number of interrupts that did not produce a sample.",
			[]string{labelReason}, nil,
		),
	}
}

func (c *countersCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handled
	ch <- c.delivered
	ch <- c.captured
	ch <- c.dropped
}

func (c *countersCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.handled, prometheus.CounterValue, float64(s.Handled))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(c.captured, prometheus.CounterValue, float64(s.Captured))
	for _, r := range DropReasons() {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Drops[r]), r.String())
	}
}
