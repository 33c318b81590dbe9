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
// Package pprof converts sampled stacks into pprof profiles.
package pprof

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

var ErrNotFound = errors.New("symbol not found")

// Function is the symbolized form of a frame.
type Function struct {
	Name      string
	Filename  string
	StartLine int64
}

// Location is a symbolized frame.
type Location struct {
	Function Function
	Line     int64
}

// Symbolizer resolves frames. It returns ErrNotFound for frames it does not
// know about.
type Symbolizer interface {
	Symbolize(f vm.Frame) (Location, error)
}

// RuntimeSymbolizer resolves managed frames through the runtime's method
// table.
type RuntimeSymbolizer struct {
	rt *vm.Runtime
}

func NewRuntimeSymbolizer(rt *vm.Runtime) *RuntimeSymbolizer {
	return &RuntimeSymbolizer{rt: rt}
}

// Symbolize falls back to the method's first line for frames without one.
func (s *RuntimeSymbolizer) Symbolize(f vm.Frame) (Location, error) {
	m, ok := s.rt.Method(f.ID)
	if !ok {
		return Location{}, ErrNotFound
	}
	line := int64(f.Line)
	if line == 0 {
		line = m.StartLine
	}
	return Location{
		Function: Function{Name: m.Name, Filename: m.File, StartLine: m.StartLine},
		Line:     line,
	}, nil
}

// Sample is one distinct stack, innermost frame first, and how often it
// was observed.
type Sample struct {
	Frames []vm.Frame
	Count  int64
	Labels map[string]string
}

type Manager struct {
	logger     log.Logger
	metrics    *converterMetrics
	symbolizer Symbolizer
}

func NewManager(logger log.Logger, reg prometheus.Registerer, symbolizer Symbolizer) *Manager {
	return &Manager{
		logger:     logger,
		metrics:    newConverterMetrics(reg),
		symbolizer: symbolizer,
	}
}

type Converter struct {
	m      *Manager
	logger log.Logger

	functionIndex map[functionKey]*pprofprofile.Function
	locationIndex map[vm.Frame]*pprofprofile.Location
	mapping       *pprofprofile.Mapping

	result *pprofprofile.Profile
}

// NewConverter prepares a conversion of the samples collected between
// captureTime and now, taken every periodNS nanoseconds.
func (m *Manager) NewConverter(captureTime time.Time, periodNS int64) *Converter {
	mapping := &pprofprofile.Mapping{
		ID:   1,
		File: "interpreter",
	}

	return &Converter{
		m:      m,
		logger: m.logger,

		functionIndex: map[functionKey]*pprofprofile.Function{},
		locationIndex: map[vm.Frame]*pprofprofile.Location{},
		mapping:       mapping,

		result: &pprofprofile.Profile{
			TimeNanos:     captureTime.UnixNano(),
			DurationNanos: int64(time.Since(captureTime)),
			Period:        periodNS,
			SampleType: []*pprofprofile.ValueType{{
				Type: "samples",
				Unit: "count",
			}},
			PeriodType: &pprofprofile.ValueType{
				Type: "wall",
				Unit: "nanoseconds",
			},
			Mapping: []*pprofprofile.Mapping{mapping},
		},
	}
}

// Convert builds the profile. It is intended to only be used once.
func (c *Converter) Convert(samples []Sample) (*pprofprofile.Profile, error) {
	for _, sample := range samples {
		if len(sample.Frames) == 0 {
			c.m.metrics.stackDrop.WithLabelValues(labelStackDropReasonEmpty).Inc()
			continue
		}
		if sample.Count <= 0 {
			c.m.metrics.stackDrop.WithLabelValues(labelStackDropReasonZeroCount).Inc()
			continue
		}

		pprofSample := &pprofprofile.Sample{
			Value:    []int64{sample.Count},
			Location: make([]*pprofprofile.Location, 0, len(sample.Frames)),
		}
		for _, f := range sample.Frames {
			pprofSample.Location = append(pprofSample.Location, c.addLocation(f))
		}
		if len(sample.Labels) > 0 {
			pprofSample.Label = make(map[string][]string, len(sample.Labels))
			for k, v := range sample.Labels {
				pprofSample.Label[k] = []string{v}
			}
		}

		c.result.Sample = append(c.result.Sample, pprofSample)
	}

	if err := c.result.CheckValid(); err != nil {
		return nil, err
	}
	return c.result, nil
}

func (c *Converter) addLocation(f vm.Frame) *pprofprofile.Location {
	if l, ok := c.locationIndex[f]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: c.mapping,
	}

	loc, err := c.m.symbolizer.Symbolize(f)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			level.Debug(c.logger).Log("msg", "failed to symbolize frame", "id", strconv.FormatUint(f.ID, 16), "err", err)
		}
		c.m.metrics.frameUnsymbolized.Inc()
		l.Address = f.ID
	} else {
		l.Line = []pprofprofile.Line{{
			Function: c.addFunction(loc.Function),
			Line:     loc.Line,
		}}
	}

	c.locationIndex[f] = l
	c.result.Location = append(c.result.Location, l)
	return l
}

type functionKey struct {
	name     string
	filename string
}

func (c *Converter) addFunction(fn Function) *pprofprofile.Function {
	key := functionKey{name: fn.Name, filename: fn.Filename}
	if f, ok := c.functionIndex[key]; ok {
		return f
	}

	f := &pprofprofile.Function{
		ID:         uint64(len(c.result.Function) + 1),
		Name:       fn.Name,
		SystemName: fn.Name,
		Filename:   fn.Filename,
		StartLine:  fn.StartLine,
	}

	c.functionIndex[key] = f
	c.result.Function = append(c.result.Function, f)
	return f
}
