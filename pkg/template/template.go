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
package template

import (
	// Enable go:embed.
	_ "embed"
	"html/template"
	"time"
)

//go:embed statuspage.html
var StatusPageTemplateBytes []byte

var StatusPageTemplate = template.Must(template.New("statuspage").Parse(string(StatusPageTemplateBytes)))

type Drop struct {
	Reason string
	Count  uint64
}

type Counters struct {
	Delivered uint64
	Captured  uint64
	Dropped   uint64
}

type Thread struct {
	ID       uint64
	NativeID int
	Name     string
	Slot     int
	State    string
}

type Stack struct {
	Count uint64
	Top   string
	Depth int
}

type Export struct {
	Duration           time.Duration
	LastProfileTakenAt time.Time
	Error              error
}

type StatusPage struct {
	Node     string
	Version  string
	Running  bool
	Interval time.Duration
	Counters Counters
	Drops    []Drop
	Export   *Export
	Threads  []Thread
	Stacks   []Stack
	Config   string
}
