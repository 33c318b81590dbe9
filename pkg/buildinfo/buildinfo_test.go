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
package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.22.2",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "GOARCH", Value: "amd64"},
			{Key: "GOOS", Value: "linux"},
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2024-05-01T00:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	require.Equal(t, &Info{
		Version:     "(devel)",
		GoVersion:   "go1.22.2",
		GoArch:      "amd64",
		GoOs:        "linux",
		VcsRevision: "abc123",
		VcsTime:     "2024-05-01T00:00:00Z",
		VcsModified: true,
	}, fromBuildInfo(bi, ""))

	require.Equal(t, "v0.1.0", fromBuildInfo(bi, "v0.1.0").Version)
}
