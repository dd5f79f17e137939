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

// Package hostarch describes the x86-64 paging geometry and the address types
// used by the memory subsystem.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2MB huge page size.
	HugePageShift = 21

	// HugePageSize is the size of a PMD level leaf.
	HugePageSize = 1 << HugePageShift

	// PhysAddrBits is the architectural limit on physical address width.
	PhysAddrBits = 52
)

// Canonical address constraints for four-level paging.
const (
	// LowerTop is the last canonical address of the lower half.
	LowerTop Addr = 0x00007fffffffffff

	// UpperBottom is the first canonical address of the upper half.
	UpperBottom Addr = 0xffff800000000000
)
