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

// Package pagetables manages x86-64 four-level page tables stored in physical
// frames.
//
// Tables are allocated from a FrameSource and read and written through a
// direct map window. A PageTables value is one address space: a root (L4)
// table and every table reachable from its lower half. Root entries 256
// through 511 may alias tables owned by another PageTables, which is how the
// kernel half is shared.
package pagetables

import (
	"errors"
	"fmt"
	"sync"

	"jarjarvis.dev/kmem/pkg/cleanup"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
)

// FrameSource provides page sized physical frames for tables.
type FrameSource interface {
	// AllocFrame returns a free frame. The frame contents are undefined.
	AllocFrame() (hostarch.PhysAddr, error)

	// FreeFrame returns a frame obtained from AllocFrame.
	FreeFrame(hostarch.PhysAddr) error
}

// PageTables is a set of page tables.
type PageTables struct {
	// mu serializes mutation of this set's entries. Mutation of entries in
	// tables shared with other sets must additionally be serialized by the
	// owner of the sharing relationship.
	mu sync.Mutex

	// frames backs every table allocated by this set.
	frames FrameSource

	// window reaches tables by physical address.
	window *directmap.Window

	// root is the physical address of the L4 table.
	root hostarch.PhysAddr

	// owned is true if root was allocated by this set rather than captured.
	owned bool

	// tables is the number of non-root tables this set has allocated and not
	// yet freed.
	tables int
}

// New returns a new, empty set of page tables.
func New(frames FrameSource, window *directmap.Window) (*PageTables, error) {
	root, err := allocTable(frames, window)
	if err != nil {
		return nil, err
	}
	log.Debugf("pagetables: new root %v", root)
	return &PageTables{
		frames: frames,
		window: window,
		root:   root,
		owned:  true,
	}, nil
}

// FromRoot returns page tables wrapping an existing root table, such as the
// one installed by the bootloader. Release is not permitted on the result.
func FromRoot(frames FrameSource, window *directmap.Window, root hostarch.PhysAddr) (*PageTables, error) {
	if !root.IsPageAligned() {
		return nil, fmt.Errorf("root table %v: %w", root, memerr.ErrInvalidArgument)
	}
	if !window.Contains(root, hostarch.PageSize) {
		return nil, fmt.Errorf("root table %v outside the direct map: %w", root, memerr.ErrInvalidArgument)
	}
	return &PageTables{
		frames: frames,
		window: window,
		root:   root,
	}, nil
}

// NewFrom returns a new set of page tables sharing p's upper half.
//
// Root entries 256 through 511 are copied by value, so the new set aliases
// the same lower level tables and sees later changes made beneath them. Root
// entries 0 through 255 are left empty.
func (p *PageTables) NewFrom() (*PageTables, error) {
	np, err := New(p.frames, p.window)
	if err != nil {
		return nil, err
	}
	np.ShareUpperHalf(p)
	return np, nil
}

// ShareUpperHalf copies root entries 256 through 511 from other. It is used
// to propagate root entries created in other after p was made by NewFrom.
func (p *PageTables) ShareUpperHalf(other *PageTables) {
	var upper [EntriesPerPage - UpperHalfStart]PTE
	other.mu.Lock()
	src := tableAt(other.window, other.root)
	for i := range upper {
		upper[i] = src[UpperHalfStart+i].Load()
	}
	other.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	dst := tableAt(p.window, p.root)
	for i, e := range upper {
		if dst[UpperHalfStart+i].Load() != e {
			atomicStore(&dst[UpperHalfStart+i], e)
		}
	}
}

// RootEntry returns root entry i.
func (p *PageTables) RootEntry(i int) PTE {
	return tableAt(p.window, p.root)[i].Load()
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() hostarch.PhysAddr {
	return p.root
}

// CR3 returns the CR3 value for these tables.
func (p *PageTables) CR3() uint64 {
	return uint64(p.root)
}

// Tables returns the number of tables currently allocated by this set,
// including the root if it is owned.
func (p *PageTables) Tables() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.tables
	if p.owned {
		n++
	}
	return n
}

// checkMapArgs validates the arguments of Map.
func checkMapArgs(virt hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	switch {
	case !virt.IsCanonical():
		return fmt.Errorf("virtual address %v is not canonical: %w", virt, memerr.ErrInvalidArgument)
	case !virt.IsPageAligned():
		return fmt.Errorf("virtual address %v is not page aligned: %w", virt, memerr.ErrInvalidArgument)
	case !phys.IsPageAligned():
		return fmt.Errorf("physical address %v is not page aligned: %w", phys, memerr.ErrInvalidArgument)
	case phys >= hostarch.MaxPhysAddr:
		return fmt.Errorf("physical address %v exceeds %d bits: %w", phys, hostarch.PhysAddrBits, memerr.ErrInvalidArgument)
	case !flags.Valid():
		return fmt.Errorf("flags %v contain non-flag bits: %w", flags, memerr.ErrInvalidArgument)
	case flags.Has(Huge):
		return fmt.Errorf("huge mappings are not supported: %w", memerr.ErrInvalidArgument)
	}
	return nil
}

// Map installs a mapping of the page at virt to the frame at phys.
//
// Missing L3, L2 and L1 tables are allocated and installed with flags|Present,
// so intermediate tables carry the same access rights as the leaf. Existing
// intermediate entries are not modified. The leaf is set to phys|flags|Present.
//
// A present leaf is overwritten and the frame it referenced is not freed or
// reported; callers that care must Unmap first.
//
// If a table cannot be allocated, tables installed by this call are removed
// and freed and an error wrapping memerr.ErrTableAllocationFailed is
// returned.
func (p *PageTables) Map(virt hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	if err := checkMapArgs(virt, phys, flags); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var cu cleanup.Cleanup
	defer cu.Clean()
	pte, level, err := p.walk(virt, L1, flags, &cu)
	if err != nil {
		return err
	}
	if level != L1 {
		return fmt.Errorf("mapping %v: %v entry is a huge page: %w", virt, level, memerr.ErrHugePageConflict)
	}
	pte.Set(phys, flags)
	cu.Release()
	return nil
}

// MapHuge installs a 2MB mapping of virt to phys in an L2 entry. Both
// addresses must be 2MB aligned. Missing tables are allocated as in Map.
//
// An L2 entry that already points to an L1 table is not replaced; the call
// fails with memerr.ErrHugePageConflict.
func (p *PageTables) MapHuge(virt hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	if err := checkMapArgs(virt, phys, flags&^Huge); err != nil {
		return err
	}
	if virt.HugeRoundDown() != virt || uint64(phys)%hostarch.HugePageSize != 0 {
		return fmt.Errorf("huge mapping %v -> %v is not 2MB aligned: %w", virt, phys, memerr.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var cu cleanup.Cleanup
	defer cu.Clean()
	pte, level, err := p.walk(virt, L2, flags&^Huge, &cu)
	if err != nil {
		return err
	}
	if e := pte.Load(); level != L2 || (e.Valid() && !e.IsHuge()) {
		return fmt.Errorf("huge mapping %v: %v entry %v is in the way: %w", virt, level, e, memerr.ErrHugePageConflict)
	}
	pte.Set(phys, flags|Huge)
	cu.Release()
	return nil
}

// Unmap clears the leaf entry for virt. It returns the previously mapped
// frame and true, or false if virt was not mapped. Tables are never freed
// here; see Release.
func (p *PageTables) Unmap(virt hostarch.Addr) (hostarch.PhysAddr, bool, error) {
	if !virt.IsCanonical() || !virt.IsPageAligned() {
		return 0, false, fmt.Errorf("virtual address %v: %w", virt, memerr.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pte, level, err := p.walk(virt, L1, 0, nil)
	if err != nil || pte == nil {
		return 0, false, err
	}
	if level != L1 {
		return 0, false, fmt.Errorf("unmapping %v: %v entry is a huge page: %w", virt, level, memerr.ErrHugePageConflict)
	}
	old := pte.Load()
	if !old.Valid() {
		return 0, false, nil
	}
	pte.Clear()
	return old.Address(), true, nil
}

// Entry returns the leaf entry for virt and the level it was found at. ok is
// false if no present leaf maps virt.
func (p *PageTables) Entry(virt hostarch.Addr) (pte PTE, level Level, ok bool) {
	t, ok := Resolve(p.window, p.root, virt)
	if !ok {
		return 0, 0, false
	}
	return t.Entry, t.Level, true
}

// Lookup returns the physical address virt translates to and the leaf flags.
func (p *PageTables) Lookup(virt hostarch.Addr) (hostarch.PhysAddr, Flags, bool) {
	t, ok := Resolve(p.window, p.root, virt)
	if !ok {
		return 0, 0, false
	}
	return t.Phys, t.Entry.Flags(), true
}

// Walk calls fn for every present leaf in ascending address order, including
// leaves in the shared upper half. size is the number of bytes the leaf maps.
// Walk stops if fn returns false.
func (p *PageTables) Walk(fn func(virt hostarch.Addr, pte PTE, size uint64) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root := tableAt(p.window, p.root)
	for i := 0; i < EntriesPerPage; i++ {
		e := root[i].Load()
		if !e.Valid() {
			continue
		}
		if !p.walkTable(e.Address(), L3, addrOf(i, 0), fn) {
			return
		}
	}
}

func (p *PageTables) walkTable(table hostarch.PhysAddr, level Level, base hostarch.Addr, fn func(hostarch.Addr, PTE, uint64) bool) bool {
	entries := tableAt(p.window, table)
	for i := 0; i < EntriesPerPage; i++ {
		e := entries[i].Load()
		if !e.Valid() {
			continue
		}
		virt := base | hostarch.Addr(uint64(i)<<level.shift())
		if level == L1 || e.IsHuge() {
			if !fn(virt, e, level.PageSize()) {
				return false
			}
			continue
		}
		if !p.walkTable(e.Address(), level-1, virt, fn) {
			return false
		}
	}
	return true
}

// Release frees every table reachable from the lower half of the root, then
// the root itself. Frames mapped by leaves and tables reachable from the
// upper half are not freed: the former belong to whoever mapped them and the
// latter are shared.
//
// p must not be used after Release.
func (p *PageTables) Release() error {
	if !p.owned {
		return fmt.Errorf("releasing captured root %v: %w", p.root, memerr.ErrBusy)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	root := tableAt(p.window, p.root)
	for i := 0; i < UpperHalfStart; i++ {
		e := root[i].Load()
		if !e.Valid() {
			continue
		}
		errs = append(errs, p.freeTable(e.Address(), L3))
		root[i].Clear()
	}
	errs = append(errs, p.frames.FreeFrame(p.root))
	log.Debugf("pagetables: released root %v", p.root)
	p.owned = false
	return errors.Join(errs...)
}

// freeTable frees the table at phys, which sits at the given level, and all
// tables below it.
func (p *PageTables) freeTable(phys hostarch.PhysAddr, level Level) error {
	var errs []error
	if level > L1 {
		entries := tableAt(p.window, phys)
		for i := range entries {
			e := entries[i].Load()
			if !e.Valid() || e.IsHuge() {
				continue
			}
			errs = append(errs, p.freeTable(e.Address(), level-1))
		}
	}
	errs = append(errs, p.frames.FreeFrame(phys))
	p.tables--
	return errors.Join(errs...)
}

// allocTable allocates and zeroes a table frame.
func allocTable(frames FrameSource, window *directmap.Window) (hostarch.PhysAddr, error) {
	phys, err := frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	m, err := window.Map(phys)
	if err != nil {
		frames.FreeFrame(phys)
		return 0, err
	}
	window.Zero(m, hostarch.PageSize)
	return phys, nil
}
