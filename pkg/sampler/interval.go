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
	"fmt"
	"time"

	"go.uber.org/atomic"
)

const (
	MinInterval     = time.Microsecond
	MaxInterval     = 10 * time.Second
	DefaultInterval = time.Millisecond
)

// interval holds the sampling period in nanoseconds. The scheduler reads it
// once per tick.
type interval struct {
	ns *atomic.Int64
}

func newInterval() *interval {
	return &interval{ns: atomic.NewInt64(int64(DefaultInterval))}
}

// set clamps ns to [MinInterval, MaxInterval] and returns the stored value.
// Non-positive values are rejected and leave the interval unchanged.
func (i *interval) set(ns int64) (int64, error) {
	if ns <= 0 {
		return i.ns.Load(), fmt.Errorf("%w: %d", ErrInvalidInterval, ns)
	}
	switch {
	case ns < int64(MinInterval):
		ns = int64(MinInterval)
	case ns > int64(MaxInterval):
		ns = int64(MaxInterval)
	}
	i.ns.Store(ns)
	return ns, nil
}

func (i *interval) get() int64 {
	return i.ns.Load()
}

func (i *interval) duration() time.Duration {
	return time.Duration(i.ns.Load())
}
