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
// Package symbol resolves native Go program counters captured by threads
// created with vm.WithGoStacks.
package symbol

import (
	"runtime"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-sampler/pkg/cache/lru"
	"github.com/parca-dev/parca-sampler/pkg/pprof"
	"github.com/parca-dev/parca-sampler/pkg/vm"
)

const DefaultCacheSize = 4096

// GoSymbolizer resolves program counters of the running binary.
type GoSymbolizer struct {
	logger log.Logger
	cache  *lru.Cache[uint64, pprof.Location]
}

func NewGoSymbolizer(logger log.Logger, reg prometheus.Registerer, cacheSize int) *GoSymbolizer {
	return &GoSymbolizer{
		logger: logger,
		cache:  lru.New[uint64, pprof.Location](reg, "go_symbols", cacheSize),
	}
}

// Symbolize implements pprof.Symbolizer. The frame's ID is a return
// address, its line is ignored in favour of the binary's line table.
func (s *GoSymbolizer) Symbolize(f vm.Frame) (pprof.Location, error) {
	pc := f.ID
	if loc, ok := s.cache.Get(pc); ok {
		return loc, nil
	}

	// Callers reports return addresses, the call instruction is one byte
	// before.
	lookup := uintptr(pc)
	if lookup > 0 {
		lookup--
	}
	fn := runtime.FuncForPC(lookup)
	if fn == nil {
		level.Debug(s.logger).Log("msg", "no function for program counter", "pc", strconv.FormatUint(pc, 16))
		return pprof.Location{}, pprof.ErrNotFound
	}
	file, line := fn.FileLine(lookup)
	_, startLine := fn.FileLine(fn.Entry())
	loc := pprof.Location{
		Function: pprof.Function{
			Name:      fn.Name(),
			Filename:  file,
			StartLine: int64(startLine),
		},
		Line: int64(line),
	}
	s.cache.Add(pc, loc)
	return loc, nil
}

func (s *GoSymbolizer) Close() error {
	return s.cache.Close()
}
