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

import "fmt"

// PhysAddr is a physical address.
//
// A PhysAddr cannot be dereferenced. Memory behind it is only reachable by
// translating it through a direct map window first.
type PhysAddr uint64

// MaxPhysAddr is the first physical address that cannot be encoded in an
// entry.
const MaxPhysAddr PhysAddr = 1 << PhysAddrBits

// FrameAddr returns the address of the frame with the given index.
func FrameAddr(index uint64) PhysAddr {
	return PhysAddr(index << PageShift)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// FrameIndex returns the index of the frame containing p.
func (p PhysAddr) FrameIndex() uint64 {
	return uint64(p) >> PageShift
}

// RoundDown returns the address rounded down to the nearest frame boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p & ^PhysAddr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest frame boundary. ok is
// true iff rounding up did not wrap around.
func (p PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = PhysAddr(p + PageSize - 1).RoundDown()
	ok = addr >= p
	return
}

// IsPageAligned returns true if p is a frame boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}
