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
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

func TestConvert(t *testing.T) {
	rt := vm.NewRuntime(log.NewNopLogger())
	outer := rt.DefineMethod("Object#outer", "app.rb", 1)
	inner := rt.DefineMethod("Object#inner", "app.rb", 10)

	m := NewManager(log.NewNopLogger(), prometheus.NewRegistry(), NewRuntimeSymbolizer(rt))
	c := m.NewConverter(time.Now().Add(-time.Second), int64(time.Millisecond))

	p, err := c.Convert([]Sample{
		{Frames: []vm.Frame{{ID: inner, Line: 12}, {ID: outer, Line: 3}}, Count: 5, Labels: map[string]string{"thread_name": "worker"}},
		{Frames: []vm.Frame{{ID: outer, Line: 3}}, Count: 2},
		{Frames: []vm.Frame{{ID: 4242}}, Count: 1},
		{Frames: nil, Count: 3},
		{Frames: []vm.Frame{{ID: outer}}, Count: 0},
	})
	require.NoError(t, err)

	require.Len(t, p.Sample, 3)
	require.Equal(t, int64(time.Millisecond), p.Period)
	require.Equal(t, "wall", p.PeriodType.Type)

	// Locations are shared between samples.
	require.Len(t, p.Location, 3)
	require.Len(t, p.Function, 2)

	first := p.Sample[0]
	require.Equal(t, []int64{5}, first.Value)
	require.Equal(t, []string{"worker"}, first.Label["thread_name"])
	require.Equal(t, "Object#inner", first.Location[0].Line[0].Function.Name)
	require.Equal(t, int64(12), first.Location[0].Line[0].Line)
	require.Same(t, first.Location[1], p.Sample[1].Location[0])

	unknown := p.Sample[2].Location[0]
	require.Empty(t, unknown.Line)
	require.Equal(t, uint64(4242), unknown.Address)
}

func TestConvertStartLineFallback(t *testing.T) {
	rt := vm.NewRuntime(log.NewNopLogger())
	id := rt.DefineMethod("Object#run", "run.rb", 7)

	m := NewManager(log.NewNopLogger(), prometheus.NewRegistry(), NewRuntimeSymbolizer(rt))
	p, err := m.NewConverter(time.Now(), 1).Convert([]Sample{{Frames: []vm.Frame{{ID: id}}, Count: 1}})
	require.NoError(t, err)
	require.Equal(t, int64(7), p.Location[0].Line[0].Line)
	require.Equal(t, int64(7), p.Function[0].StartLine)
}
