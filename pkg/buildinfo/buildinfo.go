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
	"errors"
	"runtime/debug"
)

// Info describes the running binary.
type Info struct {
	Version     string
	GoVersion   string
	GoArch      string
	GoOs        string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

// Fetch reads the build info embedded by the Go toolchain. The version
// given at link time wins over the module version.
func Fetch(version string) (*Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromBuildInfo(bi, version), nil
}

func fromBuildInfo(bi *debug.BuildInfo, version string) *Info {
	info := &Info{
		Version:   version,
		GoVersion: bi.GoVersion,
	}
	if info.Version == "" {
		info.Version = bi.Main.Version
	}

	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOs = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}

// KeyVals returns the info as logger key value pairs.
func (i *Info) KeyVals() []interface{} {
	return []interface{}{
		"version", i.Version,
		"go_version", i.GoVersion,
		"arch", i.GoArch,
		"os", i.GoOs,
		"commit", i.VcsRevision,
		"date", i.VcsTime,
		"modified", i.VcsModified,
	}
}
