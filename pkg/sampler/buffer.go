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
	"encoding/binary"

	"github.com/parca-dev/parca-sampler/pkg/vm"
)

// keyBuffer is a byte slice written front to back without bounds growth.
type keyBuffer []byte

// Slice extends the buffer by size bytes and returns the extension for
// writing. Callers must ensure there is enough capacity left.
func (kb *keyBuffer) Slice(size int) keyBuffer {
	newSize := len(*kb) + size
	sub := (*kb)[len(*kb):newSize]
	*kb = (*kb)[:newSize]
	return sub
}

// PutUint64 writes v in little endian and advances the slice.
func (kb *keyBuffer) PutUint64(v uint64) {
	binary.LittleEndian.PutUint64((*kb)[:8], v)
	*kb = (*kb)[8:]
}

// PutUint32 writes v in little endian and advances the slice.
func (kb *keyBuffer) PutUint32(v uint32) {
	binary.LittleEndian.PutUint32((*kb)[:4], v)
	*kb = (*kb)[4:]
}

const frameKeySize = 8 + 4

// stackKey encodes frames into a comparable key. Equal frame sequences
// produce equal keys.
func stackKey(frames []vm.Frame) string {
	buf := make(keyBuffer, 0, len(frames)*frameKeySize)
	w := buf.Slice(len(frames) * frameKeySize)
	for _, f := range frames {
		w.PutUint64(f.ID)
		w.PutUint32(uint32(f.Line))
	}
	return string(buf)
}
