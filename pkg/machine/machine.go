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

// Package machine simulates an x86-64 machine as seen by the memory
// subsystem right after the bootloader hands over control.
//
// Physical memory is a shared memory file mapped into the process. The
// bootloader emulation produces a memory map, maps all of physical memory at
// the direct map offset with 2MB pages, maps the kernel image in the upper
// half and loads CR3. The processor implements cpu.CPU and keeps a
// translation cache that, like hardware, is only invalidated on Invlpg and
// CR3 loads, so stale translations are observable.
package machine

import (
	"fmt"
	"sync"

	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/cleanup"
	"jarjarvis.dev/kmem/pkg/cpu"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/memutil"
	"jarjarvis.dev/kmem/pkg/pagetables"
)

// Access is the kind of a memory access.
type Access int

// Memory accesses.
const (
	Read Access = iota
	Write
	Execute
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Fault is a page fault.
type Fault struct {
	Addr   hostarch.Addr
	Access Access
	Reason string
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault: %v of %v: %s", f.Access, f.Addr, f.Reason)
}

// TLBStats counts translation cache events.
type TLBStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Flushes       uint64 `json:"flushes"`
}

// tlbEntry is a cached translation of one 4K page.
type tlbEntry struct {
	phys       hostarch.PhysAddr
	writable   bool
	executable bool
	global     bool
}

// Machine is a simulated machine with one processor.
type Machine struct {
	cfg        Config
	mem        []byte
	window     *directmap.Window
	memoryMap  bootmem.Map
	kernelRoot hostarch.PhysAddr
	cpuid      cpu.Static

	// mu protects the processor state below.
	mu       sync.Mutex
	cr3      uint64
	efer     uint64
	tlb      map[hostarch.Addr]tlbEntry
	stats    TLBStats
	halted   bool
	haltNote string
}

var _ cpu.CPU = (*Machine)(nil)
var _ cpu.Halter = (*Machine)(nil)

// bootFrames hands out the frames of the bootloader's table region.
type bootFrames struct {
	next hostarch.PhysAddr
	end  hostarch.PhysAddr
}

// AllocFrame implements pagetables.FrameSource.AllocFrame.
func (b *bootFrames) AllocFrame() (hostarch.PhysAddr, error) {
	if b.next >= b.end {
		return 0, fmt.Errorf("bootloader table region: %w", memerr.ErrFrameExhausted)
	}
	p := b.next
	b.next += hostarch.PageSize
	return p, nil
}

// FreeFrame implements pagetables.FrameSource.FreeFrame.
func (b *bootFrames) FreeFrame(p hostarch.PhysAddr) error {
	return fmt.Errorf("bootloader frame %v cannot be freed: %w", p, memerr.ErrBusy)
}

// New boots a machine described by cfg.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mem, err := memutil.NewSharedMemory("kmem-ram", cfg.RAMBytes)
	if err != nil {
		return nil, fmt.Errorf("allocating %#x bytes of RAM: %w", cfg.RAMBytes, err)
	}
	cu := cleanup.Make(func() {
		if err := memutil.UnmapSlice(mem); err != nil {
			log.Warningf("machine: unmapping RAM: %v", err)
		}
	})
	defer cu.Clean()

	window, err := directmap.New(cfg.DirectMapOffset, mem)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg,
		mem:       mem,
		window:    window,
		memoryMap: cfg.memoryMap(),
		cpuid:     cpu.Static{}.SetNX(!cfg.NoNX),
		efer:      cpu.EFERSCE | cpu.EFERLME | cpu.EFERLMA,
		tlb:       make(map[hostarch.Addr]tlbEntry),
	}
	root, err := m.buildBootTables()
	if err != nil {
		return nil, fmt.Errorf("building boot page tables: %w", err)
	}
	m.kernelRoot = root
	m.cr3 = uint64(root)

	log.Infof("machine: %d MB RAM, direct map at %v, kernel %v mapped at %v, root %v",
		cfg.RAMBytes>>20, cfg.DirectMapOffset, cfg.KernelPhys, cfg.KernelVirt, root)
	cu.Release()
	return m, nil
}

// buildBootTables maps the direct map and the kernel image the way the
// bootloader does and returns the root table.
func (m *Machine) buildBootTables() (hostarch.PhysAddr, error) {
	bt := m.cfg.bootTables()
	pt, err := pagetables.New(&bootFrames{next: bt.Base, end: bt.End()}, m.window)
	if err != nil {
		return 0, err
	}
	for p := uint64(0); p < m.cfg.RAMBytes; p += hostarch.HugePageSize {
		virt := m.cfg.DirectMapOffset + hostarch.Addr(p)
		if err := pt.MapHuge(virt, hostarch.PhysAddr(p), pagetables.Writable|pagetables.Global); err != nil {
			return 0, err
		}
	}
	for off := uint64(0); off < m.cfg.KernelBytes; off += hostarch.PageSize {
		virt := m.cfg.KernelVirt + hostarch.Addr(off)
		if err := pt.Map(virt, m.cfg.KernelPhys+hostarch.PhysAddr(off), pagetables.Writable|pagetables.Global); err != nil {
			return 0, err
		}
	}
	return pt.Root(), nil
}

// memoryMap returns the sorted memory map the firmware and bootloader report.
func (c *Config) memoryMap() bootmem.Map {
	special := append(bootmem.Map{}, c.Holes...)
	special = append(special,
		bootmem.Region{Base: c.KernelPhys, Length: c.KernelBytes, Kind: bootmem.KernelAndModules},
		c.bootTables())
	special = special.Sorted()

	var (
		m      bootmem.Map
		cursor hostarch.PhysAddr
		ram    = hostarch.PhysAddr(c.RAMBytes)
	)
	for _, r := range special {
		if r.Base > cursor && cursor < ram {
			m = append(m, bootmem.Region{Base: cursor, Length: uint64(min(r.Base, ram) - cursor), Kind: bootmem.Usable})
		}
		m = append(m, r)
		cursor = max(cursor, r.End())
	}
	if cursor < ram {
		m = append(m, bootmem.Region{Base: cursor, Length: uint64(ram - cursor), Kind: bootmem.Usable})
	}
	return m
}

// Config returns the machine's configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Window returns the direct map of physical memory.
func (m *Machine) Window() *directmap.Window {
	return m.window
}

// MemoryMap returns the memory map handed over by the bootloader.
func (m *Machine) MemoryMap() bootmem.Map {
	return m.memoryMap.Clone()
}

// KernelRoot returns the root table installed by the bootloader.
func (m *Machine) KernelRoot() hostarch.PhysAddr {
	return m.kernelRoot
}

// ReadCR3 implements cpu.CPU.ReadCR3.
func (m *Machine) ReadCR3() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cr3
}

// WriteCR3 implements cpu.CPU.WriteCR3.
func (m *Machine) WriteCR3(cr3 uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cr3 = cr3
	for page, e := range m.tlb {
		if !e.global {
			delete(m.tlb, page)
		}
	}
	m.stats.Flushes++
}

// Invlpg implements cpu.CPU.Invlpg.
func (m *Machine) Invlpg(virt hostarch.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tlb, virt.RoundDown())
	m.stats.Invalidations++
}

// ReadMSR implements cpu.CPU.ReadMSR.
func (m *Machine) ReadMSR(msr uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msr != cpu.MSREFER {
		return 0, fmt.Errorf("#GP: rdmsr of unknown MSR %#x", msr)
	}
	return m.efer, nil
}

// WriteMSR implements cpu.CPU.WriteMSR.
func (m *Machine) WriteMSR(msr uint32, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case msr != cpu.MSREFER:
		return fmt.Errorf("#GP: wrmsr of unknown MSR %#x", msr)
	case v&cpu.EFERNXE != 0 && m.cfg.NoNX:
		return fmt.Errorf("#GP: EFER.NXE set on a processor without NX")
	case v&cpu.EFERLME == 0:
		return fmt.Errorf("#GP: clearing EFER.LME in long mode")
	}
	m.efer = v
	return nil
}

// CPUID implements cpu.CPU.CPUID.
func (m *Machine) CPUID(in cpu.In) cpu.Out {
	return m.cpuid.Query(in)
}

// Halt implements cpu.Halter.Halt.
func (m *Machine) Halt(reason string) {
	m.mu.Lock()
	m.halted = true
	m.haltNote = reason
	m.mu.Unlock()
	log.Warningf("machine: halted: %s", reason)
}

// Halted returns the reason passed to Halt, and whether it was called.
func (m *Machine) Halted() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltNote, m.halted
}

// TLBStats returns a snapshot of translation cache counters.
func (m *Machine) TLBStats() TLBStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Translate translates virt for the given access, using the translation
// cache when it holds an entry for the page.
func (m *Machine) Translate(virt hostarch.Addr, access Access) (hostarch.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return 0, &Fault{Addr: virt, Access: access, Reason: "processor halted"}
	}

	page := virt.RoundDown()
	e, ok := m.tlb[page]
	if ok {
		m.stats.Hits++
	} else {
		m.stats.Misses++
		t, ok := pagetables.Resolve(m.window, hostarch.PhysAddr(m.cr3).RoundDown(), virt)
		if !ok {
			return 0, &Fault{Addr: virt, Access: access, Reason: "not present"}
		}
		if t.Entry.Flags().Has(pagetables.NoExecute) && m.efer&cpu.EFERNXE == 0 {
			return 0, &Fault{Addr: virt, Access: access, Reason: "reserved bit set"}
		}
		e = tlbEntry{
			phys:       t.Phys.RoundDown(),
			writable:   t.Writable,
			executable: t.Executable || m.efer&cpu.EFERNXE == 0,
			global:     t.Entry.Flags().Has(pagetables.Global),
		}
		m.tlb[page] = e
	}

	switch {
	case access == Write && !e.writable:
		return 0, &Fault{Addr: virt, Access: access, Reason: "write to read-only page"}
	case access == Execute && !e.executable:
		return 0, &Fault{Addr: virt, Access: access, Reason: "execute of no-execute page"}
	}
	return e.phys + hostarch.PhysAddr(virt.PageOffset()), nil
}

// access translates virt and returns its direct map address.
func (m *Machine) access(virt hostarch.Addr, access Access) (directmap.MappedAddr, error) {
	if virt%8 != 0 {
		return 0, &Fault{Addr: virt, Access: access, Reason: "unaligned access"}
	}
	phys, err := m.Translate(virt, access)
	if err != nil {
		return 0, err
	}
	mapped, err := m.window.Map(phys)
	if err != nil {
		return 0, &Fault{Addr: virt, Access: access, Reason: fmt.Sprintf("bus error at %v", phys)}
	}
	return mapped, nil
}

// Load64 reads the word at virt through the active page tables.
func (m *Machine) Load64(virt hostarch.Addr) (uint64, error) {
	mapped, err := m.access(virt, Read)
	if err != nil {
		return 0, err
	}
	return m.window.Load64(mapped), nil
}

// Store64 writes the word at virt through the active page tables.
func (m *Machine) Store64(virt hostarch.Addr, v uint64) error {
	mapped, err := m.access(virt, Write)
	if err != nil {
		return err
	}
	m.window.Store64(mapped, v)
	return nil
}

// Close releases the machine's memory. The machine must not be used after
// Close.
func (m *Machine) Close() error {
	return memutil.UnmapSlice(m.mem)
}
