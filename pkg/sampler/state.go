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

import "github.com/go-kit/log/level"

// state is the lifecycle-managed block shared by the registry, the slot
// arena and the capture handler. It is created on first registration or
// start and dropped once the scheduler is stopped and no thread remains.
type state struct {
	registry *registry
}

func (p *Profiler) ensureStateLocked() *state {
	if st := p.state.Load(); st != nil {
		return st
	}
	st := &state{
		registry: newRegistry(p.opts.maxThreads, p.opts.maxDepth),
	}
	p.state.Store(st)
	level.Debug(p.logger).Log("msg", "sampler state initialised", "max_threads", p.opts.maxThreads, "max_depth", p.opts.maxDepth)
	return st
}

func (p *Profiler) teardownLocked() {
	st := p.state.Load()
	if st == nil || p.run != nil || st.registry.len() > 0 {
		return
	}
	p.state.Store(nil)
	level.Debug(p.logger).Log("msg", "sampler state released")
}
