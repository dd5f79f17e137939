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

// Package vmm manages address spaces.
//
// Every address space shares the kernel's upper half: root entries 256
// through 511 alias the kernel's tables. Mappings in the upper half are
// always made in the kernel's tables, whichever space they are requested
// through, and root entries created by such a mapping are copied into every
// live address space.
//
// Lock order: AddressSpace.mu before Manager.mu before any PageTables lock.
package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"jarjarvis.dev/kmem/pkg/cleanup"
	"jarjarvis.dev/kmem/pkg/cpu"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/pagetables"
)

// AddressSpace is one set of page tables.
type AddressSpace struct {
	pt     *pagetables.PageTables
	kernel bool

	// mu is held for reading by every operation that touches pt and for
	// writing by Manager.Destroy, so pt is never released under a Map.
	mu sync.RWMutex

	// destroyed is set by Manager.Destroy with mu held for writing.
	destroyed atomic.Bool
}

// Root returns the physical address of the root table.
func (as *AddressSpace) Root() hostarch.PhysAddr {
	return as.pt.Root()
}

// CR3 returns the value loaded into CR3 to activate as.
func (as *AddressSpace) CR3() uint64 {
	return as.pt.CR3()
}

// IsKernel returns true for the kernel's address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// Tables returns the number of tables owned by as.
func (as *AddressSpace) Tables() int {
	return as.pt.Tables()
}

// Walk calls fn for every present leaf of as, including the shared upper
// half, in address order.
// fn must not call back into the Manager for as.
func (as *AddressSpace) Walk(fn func(virt hostarch.Addr, pte pagetables.PTE, size uint64) bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.destroyed.Load() {
		return
	}
	as.pt.Walk(fn)
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	if as.kernel {
		return fmt.Sprintf("kernel(%v)", as.Root())
	}
	return fmt.Sprintf("space(%v)", as.Root())
}

// Options are optional Manager parameters.
type Options struct {
	// RequireNX fails Init if no-execute cannot be enabled. Otherwise Init
	// continues and mappings asking for NoExecute are refused.
	RequireNX bool
}

// Manager owns the kernel address space and every address space created from
// it.
type Manager struct {
	frames pagetables.FrameSource
	window *directmap.Window
	cpu    cpu.CPU
	kernel *AddressSpace

	// nx is true if EFER.NXE was set by Init.
	nx bool

	// mu serializes changes to the kernel's tables and address space
	// lifecycle.
	mu sync.Mutex

	// active is the space loaded in CR3.
	active *AddressSpace

	// spaces holds every live address space other than the kernel's.
	spaces map[*AddressSpace]struct{}
}

// Init captures the root table currently loaded in CR3 as the kernel address
// space and enables no-execute pages.
func Init(frames pagetables.FrameSource, window *directmap.Window, c cpu.CPU, opts Options) (*Manager, error) {
	root := hostarch.PhysAddr(c.ReadCR3()).RoundDown() & (hostarch.MaxPhysAddr - 1)
	pt, err := pagetables.FromRoot(frames, window, root)
	if err != nil {
		return nil, fmt.Errorf("capturing kernel root table: %w", err)
	}

	m := &Manager{
		frames: frames,
		window: window,
		cpu:    c,
		kernel: &AddressSpace{pt: pt, kernel: true},
		spaces: make(map[*AddressSpace]struct{}),
	}
	m.active = m.kernel

	switch err := cpu.EnableNX(c); {
	case err == nil:
		m.nx = true
	case opts.RequireNX:
		return nil, err
	default:
		log.Warningf("vmm: continuing without no-execute pages: %v", err)
	}
	log.Infof("vmm: kernel root %v, NX %t", root, m.nx)
	return m, nil
}

// NX returns true if no-execute mappings are available.
func (m *Manager) NX() bool {
	return m.nx
}

// Kernel returns the kernel address space.
func (m *Manager) Kernel() *AddressSpace {
	return m.kernel
}

// Active returns the address space loaded in CR3.
func (m *Manager) Active() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// NumSpaces returns the number of live address spaces, not counting the
// kernel's.
func (m *Manager) NumSpaces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}

// Create returns a new address space with an empty lower half and the
// kernel's upper half.
func (m *Manager) Create() (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, err := m.kernel.pt.NewFrom()
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w: %w", memerr.ErrOutOfMemory, err)
	}
	as := &AddressSpace{pt: pt}
	m.spaces[as] = struct{}{}
	log.Debugf("vmm: created %v", as)
	return as, nil
}

// check validates that as may be used.
//
// Precondition: as.mu must be held.
func (m *Manager) check(as *AddressSpace) error {
	if as == nil || as.destroyed.Load() {
		return fmt.Errorf("address space %v: %w", as, memerr.ErrInvalidArgument)
	}
	return nil
}

// Map maps the page at virt in as to the frame at phys. See
// pagetables.PageTables.Map for the semantics of flags and remapping.
//
// The translation cache entry for virt is invalidated on success.
func (m *Manager) Map(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, flags pagetables.Flags) error {
	if as == nil {
		return m.check(as)
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if err := m.check(as); err != nil {
		return err
	}
	if flags.Has(pagetables.NoExecute) && !m.nx {
		return fmt.Errorf("mapping %v: no-execute pages: %w", virt, memerr.ErrUnsupportedFeature)
	}
	if !virt.IsUpperHalf() {
		if err := as.pt.Map(virt, phys, flags); err != nil {
			return err
		}
		m.cpu.Invlpg(virt)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := pagetables.L4Index(virt)
	before := m.kernel.pt.RootEntry(i)
	if err := m.kernel.pt.Map(virt, phys, flags); err != nil {
		return err
	}
	if !before.Valid() {
		m.syncUpperHalfLocked()
	}
	m.cpu.Invlpg(virt)
	return nil
}

// syncUpperHalfLocked copies the kernel's upper half root entries into every
// live address space.
//
// Precondition: m.mu must be held.
func (m *Manager) syncUpperHalfLocked() {
	for as := range m.spaces {
		as.pt.ShareUpperHalf(m.kernel.pt)
	}
	log.Debugf("vmm: synced kernel root entries into %d address spaces", len(m.spaces))
}

// Unmap removes the mapping of virt from as and returns the frame it mapped.
// Intermediate tables are kept. The translation cache entry for virt is
// invalidated.
func (m *Manager) Unmap(as *AddressSpace, virt hostarch.Addr) (hostarch.PhysAddr, bool, error) {
	if as == nil {
		return 0, false, m.check(as)
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if err := m.check(as); err != nil {
		return 0, false, err
	}
	pt := as.pt
	if virt.IsUpperHalf() {
		m.mu.Lock()
		defer m.mu.Unlock()
		pt = m.kernel.pt
	}
	phys, ok, err := pt.Unmap(virt)
	if err != nil {
		return 0, false, err
	}
	m.cpu.Invlpg(virt)
	return phys, ok, nil
}

// MapRange maps length bytes at virt to the physically contiguous range at
// phys. length must be a multiple of the page size. If any page fails, every
// page touched by this call is put back the way it was: pages that were
// mapped before get their old frame and flags, the rest are unmapped.
func (m *Manager) MapRange(as *AddressSpace, virt hostarch.Addr, phys hostarch.PhysAddr, length uint64, flags pagetables.Flags) error {
	if length%hostarch.PageSize != 0 {
		return fmt.Errorf("mapping %#x bytes: %w", length, memerr.ErrInvalidArgument)
	}
	if _, ok := virt.AddLength(length); !ok {
		return fmt.Errorf("mapping %#x bytes at %v: %w", length, virt, memerr.ErrInvalidArgument)
	}
	var cu cleanup.Cleanup
	defer cu.Clean()
	for off := uint64(0); off < length; off += hostarch.PageSize {
		v := virt + hostarch.Addr(off)
		prev, prevFlags, had := m.Lookup(as, v)
		if err := m.Map(as, v, phys+hostarch.PhysAddr(off), flags); err != nil {
			return fmt.Errorf("mapping page %d of %d: %w", off/hostarch.PageSize, length/hostarch.PageSize, err)
		}
		cu.Add(func() {
			var err error
			if had {
				err = m.Map(as, v, prev, prevFlags)
			} else {
				_, _, err = m.Unmap(as, v)
			}
			if err != nil {
				log.Warningf("vmm: rolling back %v in %v: %v", v, as, err)
			}
		})
	}
	cu.Release()
	return nil
}

// UnmapRange removes every mapping in [virt, virt+length) and returns the
// number of pages that were mapped.
func (m *Manager) UnmapRange(as *AddressSpace, virt hostarch.Addr, length uint64) (int, error) {
	if length%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("unmapping %#x bytes: %w", length, memerr.ErrInvalidArgument)
	}
	n := 0
	for off := uint64(0); off < length; off += hostarch.PageSize {
		_, ok, err := m.Unmap(as, virt+hostarch.Addr(off))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Lookup returns the frame and flags virt maps to in as.
func (m *Manager) Lookup(as *AddressSpace, virt hostarch.Addr) (hostarch.PhysAddr, pagetables.Flags, bool) {
	if as == nil {
		return 0, 0, false
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if m.check(as) != nil {
		return 0, 0, false
	}
	return as.pt.Lookup(virt)
}

// Switch loads as into CR3.
func (m *Manager) Switch(as *AddressSpace) error {
	if as == nil {
		return m.check(as)
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	if err := m.check(as); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpu.WriteCR3(as.CR3())
	m.active = as
	log.Debugf("vmm: switched to %v", as)
	return nil
}

// Destroy frees the private tables of as. Frames mapped in as are not freed;
// they belong to whoever mapped them. The kernel address space and the
// active address space cannot be destroyed.
//
// Destroy waits for operations on as already in progress. Operations that
// start after it return memerr.ErrInvalidArgument.
func (m *Manager) Destroy(as *AddressSpace) error {
	if as == nil {
		return m.check(as)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := m.check(as); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case as.kernel:
		return fmt.Errorf("destroying the kernel address space: %w", memerr.ErrBusy)
	case as == m.active:
		return fmt.Errorf("destroying the active address space %v: %w", as, memerr.ErrBusy)
	}
	as.destroyed.Store(true)
	delete(m.spaces, as)
	if err := as.pt.Release(); err != nil {
		return fmt.Errorf("destroying %v: %w", as, err)
	}
	log.Debugf("vmm: destroyed %v", as)
	return nil
}
