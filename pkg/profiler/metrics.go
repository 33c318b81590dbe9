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
package profiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelSuccess = "success"
	labelError   = "error"
	labelEmpty   = "empty"
	labelDropped = "dropped"
)

type metrics struct {
	exportAttempts *prometheus.CounterVec
	exportDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		exportAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "parca_sampler_profile_export_attempts_total",
				Help:        "Total number of attempts to export a profile.",
				ConstLabels: map[string]string{"type": "wall"},
			},
			[]string{"status"},
		),
		exportDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "parca_sampler_profile_export_duration_seconds",
				Help:                        "The duration it takes to convert and store a profile.",
				ConstLabels:                 map[string]string{"type": "wall"},
				NativeHistogramBucketFactor: 1.1,
			},
		),
	}
	m.exportAttempts.WithLabelValues(labelSuccess)
	m.exportAttempts.WithLabelValues(labelError)
	m.exportAttempts.WithLabelValues(labelEmpty)
	m.exportAttempts.WithLabelValues(labelDropped)

	return m
}
