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
package pprof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelStackDropReasonEmpty     = "empty"
	labelStackDropReasonZeroCount = "zero_count"
)

type converterMetrics struct {
	frameUnsymbolized prometheus.Counter
	stackDrop         *prometheus.CounterVec
}

func newConverterMetrics(reg prometheus.Registerer) *converterMetrics {
	m := &converterMetrics{
		frameUnsymbolized: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "parca_sampler_converter_unsymbolized_frames_total",
				Help: "Number of frames exported by address because they could not be symbolized.",
			},
		),
		stackDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_converter_stack_drop_total",
				Help: "Total number of stacks dropped from the profile during conversion.",
			},
			[]string{"reason"},
		),
	}

	m.stackDrop.WithLabelValues(labelStackDropReasonEmpty)
	m.stackDrop.WithLabelValues(labelStackDropReasonZeroCount)

	return m
}
