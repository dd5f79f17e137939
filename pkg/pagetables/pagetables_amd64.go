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

package pagetables

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/hostarch"
)

// Geometry of four-level paging.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	// EntriesPerPage is the number of entries in one table.
	EntriesPerPage = 512

	// indexMask selects one 9-bit table index.
	indexMask = EntriesPerPage - 1

	// UpperHalfStart is the first root index of the shared kernel half.
	UpperHalfStart = EntriesPerPage / 2

	// signExtension is or'ed into addresses built from upper half indices.
	signExtension = 0xffff000000000000
)

// PTEs is a collection of entries.
type PTEs [EntriesPerPage]PTE

// Level identifies a table level, from the root L4 down to the leaf L1.
type Level int

// Table levels.
const (
	L1 Level = 1 + iota
	L2
	L3
	L4
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	if l < L1 || l > L4 {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return fmt.Sprintf("L%d", int(l))
}

// shift returns the number of address bits below this level's index.
func (l Level) shift() uint {
	return pteShift + 9*uint(l-L1)
}

// PageSize returns the number of bytes mapped by one entry at this level.
func (l Level) PageSize() uint64 {
	return 1 << l.shift()
}

// Index returns the 9-bit index of virt at the given level.
func Index(l Level, virt hostarch.Addr) int {
	return int((uint64(virt) >> l.shift()) & indexMask)
}

// L4Index returns (virt >> 39) & 0x1ff.
func L4Index(virt hostarch.Addr) int { return Index(L4, virt) }

// L3Index returns (virt >> 30) & 0x1ff.
func L3Index(virt hostarch.Addr) int { return Index(L3, virt) }

// L2Index returns (virt >> 21) & 0x1ff.
func L2Index(virt hostarch.Addr) int { return Index(L2, virt) }

// L1Index returns (virt >> 12) & 0x1ff.
func L1Index(virt hostarch.Addr) int { return Index(L1, virt) }

// addrOf builds the canonical address of the given root index with the
// remaining bits taken from low.
func addrOf(l4 int, low uint64) hostarch.Addr {
	v := uint64(l4)<<pgdShift | low
	if l4 >= UpperHalfStart {
		v |= signExtension
	}
	return hostarch.Addr(v)
}
