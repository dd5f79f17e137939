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

package hostarch

import (
	"fmt"
	"strings"
)

// MemoryType is the caching policy of a page, selected by the write-through
// and cache-disable bits of its leaf entry.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is the zero value and the type of ordinary RAM.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads; writes go straight to memory.
	MemoryTypeWriteThrough

	// MemoryTypeUncached is for device memory such as framebuffers.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

var memoryTypeNames = [NumMemoryTypes]struct {
	long  string
	short string
}{
	MemoryTypeWriteBack:    {"WriteBack", "WB"},
	MemoryTypeWriteThrough: {"WriteThrough", "WT"},
	MemoryTypeUncached:     {"Uncached", "UC"},
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if mt >= NumMemoryTypes {
		return fmt.Sprintf("MemoryType(%d)", mt)
	}
	return memoryTypeNames[mt].long
}

// ShortString returns the two letter name of mt, as printed next to a leaf
// entry.
func (mt MemoryType) ShortString() string {
	if mt >= NumMemoryTypes {
		return fmt.Sprintf("%02d", mt)
	}
	return memoryTypeNames[mt].short
}

// ParseMemoryType returns the memory type named s, in either its long or two
// letter form. Case is ignored.
func ParseMemoryType(s string) (MemoryType, error) {
	for mt, n := range memoryTypeNames {
		if strings.EqualFold(s, n.long) || strings.EqualFold(s, n.short) {
			return MemoryType(mt), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}
