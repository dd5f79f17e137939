// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package directmap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"jarjarvis.dev/kmem/pkg/hostarch"
)

// WordsPerPage is the number of 64-bit words in one page.
const WordsPerPage = hostarch.PageSize / 8

// Page returns the page at m as an array of words. m must be page aligned.
//
// The window's backing memory is page aligned, so the array is naturally
// aligned for atomic access.
func (w *Window) Page(m MappedAddr) *[WordsPerPage]uint64 {
	if !hostarch.Addr(m).IsPageAligned() {
		panic(fmt.Sprintf("page address %v is not aligned", m))
	}
	i := w.index(m, hostarch.PageSize)
	return (*[WordsPerPage]uint64)(unsafe.Pointer(&w.mem[i]))
}

// Load64 atomically loads the 8-byte aligned word at m.
func (w *Window) Load64(m MappedAddr) uint64 {
	return atomic.LoadUint64(w.word(m))
}

// Store64 atomically stores v to the 8-byte aligned word at m.
func (w *Window) Store64(m MappedAddr, v uint64) {
	atomic.StoreUint64(w.word(m), v)
}

func (w *Window) word(m MappedAddr) *uint64 {
	if m%8 != 0 {
		panic(fmt.Sprintf("word address %v is not aligned", m))
	}
	i := w.index(m, 8)
	return (*uint64)(unsafe.Pointer(&w.mem[i]))
}
