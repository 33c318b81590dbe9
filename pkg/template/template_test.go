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
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusPageTemplate(t *testing.T) {
	res := bytes.NewBuffer(nil)
	err := StatusPageTemplate.Execute(res, &StatusPage{
		Node:     "node-a",
		Running:  true,
		Interval: time.Millisecond,
		Counters: Counters{Delivered: 10, Captured: 8, Dropped: 2},
		Drops:    []Drop{{Reason: "slot_busy", Count: 2}},
		Export: &Export{
			Duration: 10 * time.Second,
			Error:    errors.New("store <unavailable>"),
		},
		Threads: []Thread{{ID: 1, NativeID: 4242, Name: "worker-0", Slot: 0, State: "active"}},
		Stacks:  []Stack{{Count: 8, Top: "recurse (main.rb:3)", Depth: 150}},
		Config:  "sampling:\n    interval: 1ms\n",
	})
	require.NoError(t, err)

	out := res.String()
	require.Contains(t, out, "Node: node-a</p>")
	require.Contains(t, out, "<td>running</td>")
	require.Contains(t, out, "<tr><th>Interval</th><td>1ms</td></tr>")
	require.Contains(t, out, "<tr><th>Dropped (slot_busy)</th><td>2</td></tr>")
	require.Contains(t, out, "<td>never</td>")
	require.Contains(t, out, "store &lt;unavailable&gt;")
	require.Contains(t, out, "<h2>Threads (1)</h2>")
	require.Contains(t, out, "<td>worker-0</td>")
	require.Contains(t, out, "<td>recurse (main.rb:3)</td><td>150</td>")
	require.Contains(t, out, "interval: 1ms")
}

func TestStatusPageTemplateWithoutStore(t *testing.T) {
	res := bytes.NewBuffer(nil)
	require.NoError(t, StatusPageTemplate.Execute(res, &StatusPage{Node: "node-a"}))
	require.Contains(t, res.String(), "No profile store configured.")
	require.Contains(t, res.String(), "<td>stopped</td>")
}
