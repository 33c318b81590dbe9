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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSamplingIntervalRoundTrip(t *testing.T) {
	_, p := newTestProfiler(t)
	require.Equal(t, int64(DefaultInterval), p.SamplingInterval())

	for _, i := range []int64{
		int64(MinInterval),
		int64(MinInterval) + 1,
		1000,
		int64(time.Millisecond),
		123456789,
		int64(MaxInterval) - 1,
		int64(MaxInterval),
	} {
		require.NoError(t, p.SetSamplingInterval(i))
		require.Equal(t, i, p.SamplingInterval())
	}
}

func TestSamplingIntervalInvalid(t *testing.T) {
	_, p := newTestProfiler(t)
	require.NoError(t, p.SetSamplingInterval(5000))

	require.ErrorIs(t, p.SetSamplingInterval(0), ErrInvalidInterval)
	require.Equal(t, int64(5000), p.SamplingInterval())

	require.ErrorIs(t, p.SetSamplingInterval(-1), ErrInvalidInterval)
	require.Equal(t, int64(5000), p.SamplingInterval())
}

func TestSamplingIntervalClamped(t *testing.T) {
	_, p := newTestProfiler(t)

	require.NoError(t, p.SetSamplingInterval(1))
	require.Equal(t, int64(MinInterval), p.SamplingInterval())

	require.NoError(t, p.SetSamplingInterval(int64(20*time.Second)))
	require.Equal(t, int64(MaxInterval), p.SamplingInterval())
}
