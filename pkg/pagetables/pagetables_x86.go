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
	"strings"
	"sync/atomic"

	"jarjarvis.dev/kmem/pkg/hostarch"
)

// Flags is the set of option bits of a page table entry. It has the same
// layout as the hardware entry, so a Flags value can be or'ed into an entry
// as-is.
type Flags uint64

// Bits in page table entries.
const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	NoCache      Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExecute    Flags = 1 << 63

	// AllFlags is every bit a caller may pass in Flags.
	AllFlags = Present | Writable | User | WriteThrough | NoCache | Accessed | Dirty | Huge | Global | NoExecute
)

// addressMask selects bits 12 through 51 of an entry.
const addressMask = uint64(hostarch.MaxPhysAddr-1) &^ (hostarch.PageSize - 1)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Present, "P"},
	{Writable, "W"},
	{User, "U"},
	{WriteThrough, "WT"},
	{NoCache, "NC"},
	{Accessed, "A"},
	{Dirty, "D"},
	{Huge, "H"},
	{Global, "G"},
	{NoExecute, "NX"},
}

// Has returns true if all bits of want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// Valid returns true if f only contains defined flag bits.
func (f Flags) Valid() bool {
	return f&^AllFlags == 0
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ AllFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the notation produced by Flags.String, such as "W|U|NX".
// Names are case insensitive and "-" or "" is the empty set.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" || s == "-" {
		return f, nil
	}
next:
	for _, part := range strings.Split(s, "|") {
		for _, n := range flagNames {
			if strings.EqualFold(part, n.name) {
				f |= n.flag
				continue next
			}
		}
		return 0, fmt.Errorf("unknown page table flag %q in %q", part, s)
	}
	return f, nil
}

// FlagsFor returns the cache control bits selecting memory type mt.
func FlagsFor(mt hostarch.MemoryType) Flags {
	switch mt {
	case hostarch.MemoryTypeWriteThrough:
		return WriteThrough
	case hostarch.MemoryTypeUncached:
		return NoCache | WriteThrough
	default:
		return 0
	}
}

// MemoryTypeOf returns the memory type selected by f.
func MemoryTypeOf(f Flags) hostarch.MemoryType {
	switch {
	case f&NoCache != 0:
		return hostarch.MemoryTypeUncached
	case f&WriteThrough != 0:
		return hostarch.MemoryTypeWriteThrough
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// PTE is a page table entry.
type PTE uint64

// MakePTE returns the entry mapping phys with flags. Present is always set.
func MakePTE(phys hostarch.PhysAddr, flags Flags) PTE {
	return PTE(uint64(phys)&addressMask | uint64(flags|Present))
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Load atomically reads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// atomicStore stores the raw entry e to p.
func atomicStore(p *PTE, e PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(e))
}

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return Flags(p)&Present != 0
}

// IsHuge returns true iff this entry maps a 2MB or 1GB page. Only meaningful
// at the L3 and L2 levels.
func (p PTE) IsHuge() bool {
	return Flags(p)&Huge != 0
}

// Address extracts the physical address, masking the flag bits and the
// no-execute bit.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(p) & addressMask)
}

// Flags extracts the entry's flags.
func (p PTE) Flags() Flags {
	return Flags(p) & AllFlags
}

// Set atomically sets the entry to map phys with flags and Present.
func (p *PTE) Set(phys hostarch.PhysAddr, flags Flags) {
	atomic.StoreUint64((*uint64)(p), uint64(MakePTE(phys, flags)))
}

// setPageTable points the entry at the next level table. The caller's flags
// are propagated so the table inherits the leaf's access rights.
func (p *PTE) setPageTable(table hostarch.PhysAddr, flags Flags) {
	p.Set(table, flags&^Huge)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "(not present)"
	}
	return p.Address().String() + " " + p.Flags().String()
}
