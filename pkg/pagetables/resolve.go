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
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/hostarch"
)

// Translation is the result of resolving a virtual address.
type Translation struct {
	// Phys is the physical address, including the offset within the page.
	Phys hostarch.PhysAddr

	// Entry is the leaf entry.
	Entry PTE

	// Level is the level of the leaf: L1 for 4K pages, L2 or L3 for huge
	// pages.
	Level Level

	// Writable, User and Executable are the effective rights: writes and
	// user access require the bit at every level, and execution is denied if
	// any level has NoExecute.
	Writable   bool
	User       bool
	Executable bool
}

// PageSize returns the size of the page containing the translation.
func (t Translation) PageSize() uint64 {
	return t.Level.PageSize()
}

// Resolve translates virt through the tables rooted at root the way the MMU
// does. It reports false if virt is not canonical, not mapped, or if an
// entry points outside of the window.
func Resolve(w *directmap.Window, root hostarch.PhysAddr, virt hostarch.Addr) (Translation, bool) {
	if !virt.IsCanonical() {
		return Translation{}, false
	}
	t := Translation{Writable: true, User: true, Executable: true}
	table := root
	for level := L4; level >= L1; level-- {
		if !w.Contains(table, hostarch.PageSize) {
			return Translation{}, false
		}
		e := tableAt(w, table)[Index(level, virt)].Load()
		if !e.Valid() {
			return Translation{}, false
		}
		f := e.Flags()
		t.Writable = t.Writable && f.Has(Writable)
		t.User = t.User && f.Has(User)
		t.Executable = t.Executable && !f.Has(NoExecute)
		if level == L1 || (level != L4 && e.IsHuge()) {
			size := level.PageSize()
			t.Entry = e
			t.Level = level
			t.Phys = hostarch.PhysAddr(uint64(e.Address())&^(size-1) | uint64(virt)&(size-1))
			return t, true
		}
		table = e.Address()
	}
	panic("unreachable")
}
