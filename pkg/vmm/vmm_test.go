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

package vmm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"jarjarvis.dev/kmem/pkg/cpu"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/machine"
	"jarjarvis.dev/kmem/pkg/pagetables"
	"jarjarvis.dev/kmem/pkg/pfa"
)

type testEnv struct {
	m      *machine.Machine
	frames *pfa.Allocator
	vm     *Manager
}

func newTestEnv(t *testing.T, cfg machine.Config, opts Options) *testEnv {
	t.Helper()
	m, err := machine.New(cfg)
	if err != nil {
		t.Fatalf("machine.New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	frames, err := pfa.New(m.MemoryMap(), m.Window(), pfa.Options{})
	if err != nil {
		t.Fatalf("pfa.New failed: %v", err)
	}
	vm, err := Init(frames, m.Window(), m, opts)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return &testEnv{m: m, frames: frames, vm: vm}
}

func (e *testEnv) alloc(t *testing.T) hostarch.PhysAddr {
	t.Helper()
	p, err := e.frames.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	return p
}

// exhaust allocates frames until only n remain free.
func (e *testEnv) exhaust(t *testing.T, n uint64) {
	t.Helper()
	for e.frames.FreeCount() > n {
		e.alloc(t)
	}
}

func (e *testEnv) create(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := e.vm.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return as
}

func leaf(as *AddressSpace, virt hostarch.Addr) (pagetables.PTE, bool) {
	var (
		got   pagetables.PTE
		found bool
	)
	as.Walk(func(v hostarch.Addr, pte pagetables.PTE, _ uint64) bool {
		if v == virt {
			got, found = pte, true
			return false
		}
		return true
	})
	return got, found
}

func TestInit(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{RequireNX: true})
	if got, want := e.vm.Kernel().Root(), e.m.KernelRoot(); got != want {
		t.Errorf("kernel root = %v, want %v", got, want)
	}
	if !e.vm.Kernel().IsKernel() || e.vm.Active() != e.vm.Kernel() {
		t.Errorf("the kernel space is not the active one")
	}
	if !e.vm.NX() || !cpu.NXEnabled(e.m) {
		t.Errorf("NX not enabled after Init")
	}
	// The bootloader's mappings are visible through the captured root.
	if phys, _, ok := e.vm.Lookup(e.vm.Kernel(), machine.DefaultKernelVirt); !ok || phys != machine.DefaultKernelPhys {
		t.Errorf("Lookup of the kernel image = %v, %t", phys, ok)
	}
}

func TestInitWithoutNX(t *testing.T) {
	cfg := machine.DefaultConfig()
	cfg.NoNX = true
	m, err := machine.New(cfg)
	if err != nil {
		t.Fatalf("machine.New failed: %v", err)
	}
	defer m.Close()
	frames, err := pfa.New(m.MemoryMap(), m.Window(), pfa.Options{})
	if err != nil {
		t.Fatalf("pfa.New failed: %v", err)
	}
	if _, err := Init(frames, m.Window(), m, Options{RequireNX: true}); !errors.Is(err, memerr.ErrUnsupportedFeature) {
		t.Errorf("Init err = %v, want %v", err, memerr.ErrUnsupportedFeature)
	}

	vm, err := Init(frames, m.Window(), m, Options{})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if vm.NX() {
		t.Errorf("NX() = true on hardware without NX")
	}
	as, err := vm.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := vm.Map(as, 0x400000, 0x500000, pagetables.Writable|pagetables.NoExecute); !errors.Is(err, memerr.ErrUnsupportedFeature) {
		t.Errorf("Map with NX err = %v, want %v", err, memerr.ErrUnsupportedFeature)
	}
	if err := vm.Map(as, 0x400000, 0x500000, pagetables.Writable); err != nil {
		t.Errorf("Map without NX failed: %v", err)
	}
}

func TestCreate(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	free := e.frames.FreeCount()
	as := e.create(t)
	if e.frames.FreeCount() != free-1 {
		t.Errorf("Create used %d frames, want 1", free-e.frames.FreeCount())
	}
	if !e.frames.IsAllocated(as.Root()) {
		t.Errorf("root %v is not marked used", as.Root())
	}
	kroot := e.vm.Kernel()
	for i := 0; i < pagetables.EntriesPerPage; i++ {
		want := kroot.pt.RootEntry(i)
		if i < pagetables.UpperHalfStart {
			want = 0
		}
		if got := as.pt.RootEntry(i); got != want {
			t.Errorf("root entry %d = %v, want %v", i, got, want)
		}
	}
	if got := e.vm.NumSpaces(); got != 1 {
		t.Errorf("NumSpaces() = %d, want 1", got)
	}
}

func TestCreateOutOfMemory(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	e.exhaust(t, 0)
	if _, err := e.vm.Create(); !errors.Is(err, memerr.ErrOutOfMemory) {
		t.Errorf("Create err = %v, want %v", err, memerr.ErrOutOfMemory)
	}
}

func TestMapLeafEntry(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	for _, test := range []struct {
		virt  hostarch.Addr
		flags pagetables.Flags
	}{
		{virt: 0x10000000, flags: pagetables.Writable | pagetables.User},
		{virt: 0x10001000, flags: pagetables.Present},
		{virt: 0x7fffffffe000, flags: pagetables.User | pagetables.NoExecute},
		{virt: machine.DefaultKernelVirt + 0x400000, flags: pagetables.Writable | pagetables.Global},
	} {
		phys := e.alloc(t)
		if err := e.vm.Map(as, test.virt, phys, test.flags); err != nil {
			t.Fatalf("Map(%v) failed: %v", test.virt, err)
		}
		got, ok := leaf(as, test.virt)
		if want := pagetables.MakePTE(phys, test.flags); !ok || got != want {
			t.Errorf("leaf for %v = %v, %t, want %v", test.virt, got, ok, want)
		}
	}
}

func TestRemapKeepsOldFrame(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	const virt = hostarch.Addr(0x10000000)
	first, second := e.alloc(t), e.alloc(t)
	if err := e.vm.Map(as, virt, first, pagetables.Present|pagetables.Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := e.vm.Map(as, virt, second, pagetables.Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	got, _ := leaf(as, virt)
	if want := pagetables.PTE(uint64(second) | uint64(pagetables.Present)); got != want {
		t.Errorf("leaf = %v, want %v", got, want)
	}
	if !e.frames.IsAllocated(first) {
		t.Errorf("frame %v was freed by the remap", first)
	}
}

func TestHigherHalfSharing(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	kernel := e.vm.Kernel()

	// Under an existing kernel root entry, before and after Create.
	kva := machine.DefaultKernelVirt + 0x400000
	before := e.alloc(t)
	if err := e.vm.Map(kernel, kva, before, pagetables.Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	as := e.create(t)
	if phys, _, ok := e.vm.Lookup(as, kva); !ok || phys != before {
		t.Errorf("Lookup(%v) in new space = %v, %t, want %v", kva, phys, ok, before)
	}
	after := e.alloc(t)
	if err := e.vm.Map(kernel, kva+hostarch.PageSize, after, pagetables.Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if phys, _, ok := e.vm.Lookup(as, kva+hostarch.PageSize); !ok || phys != after {
		t.Errorf("Lookup(%v) in new space = %v, %t, want %v", kva+hostarch.PageSize, phys, ok, after)
	}

	// Under a root entry that did not exist when the space was created, and
	// requested through the new space.
	const fresh = hostarch.Addr(0xffffc00000000000)
	p := e.alloc(t)
	if err := e.vm.Map(as, fresh, p, pagetables.Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	other := e.create(t)
	for _, space := range []*AddressSpace{kernel, as, other} {
		if phys, _, ok := e.vm.Lookup(space, fresh); !ok || phys != p {
			t.Errorf("Lookup(%v) in %v = %v, %t, want %v", fresh, space, phys, ok, p)
		}
	}

	// Unmapping through any space removes the shared mapping.
	if _, ok, err := e.vm.Unmap(other, fresh); !ok || err != nil {
		t.Errorf("Unmap = %t, %v, want true, nil", ok, err)
	}
	if _, _, ok := e.vm.Lookup(kernel, fresh); ok {
		t.Errorf("kernel still maps %v", fresh)
	}

	// Lower half mappings stay private.
	if err := e.vm.Map(as, 0x400000, e.alloc(t), pagetables.Writable|pagetables.User); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, _, ok := e.vm.Lookup(other, 0x400000); ok {
		t.Errorf("lower half mapping leaked into another space")
	}
}

func TestTranslationFreshness(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	if err := e.vm.Switch(as); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if got := hostarch.PhysAddr(e.m.ReadCR3()); got != as.Root() {
		t.Fatalf("CR3 = %v, want %v", got, as.Root())
	}

	w := e.m.Window()
	a, b := e.alloc(t), e.alloc(t)
	w.Store64(w.MustMap(a), 0xaaaa)
	w.Store64(w.MustMap(b), 0xbbbb)

	const virt = hostarch.Addr(0x10000000)
	for _, step := range []struct {
		phys hostarch.PhysAddr
		want uint64
	}{
		{phys: a, want: 0xaaaa},
		{phys: b, want: 0xbbbb},
		{phys: a, want: 0xaaaa},
	} {
		if err := e.vm.Map(as, virt, step.phys, pagetables.Writable|pagetables.User); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		if got, err := e.m.Load64(virt); err != nil || got != step.want {
			t.Errorf("Load64 after mapping %v = %#x, %v, want %#x", step.phys, got, err, step.want)
		}
	}
	if _, _, err := e.vm.Unmap(as, virt); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	var f *machine.Fault
	if _, err := e.m.Load64(virt); !errors.As(err, &f) {
		t.Errorf("Load64 after Unmap err = %v, want a fault", err)
	}

	// Switching back hides the space's lower half.
	if err := e.vm.Map(as, virt, a, pagetables.Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := e.m.Load64(virt); err != nil {
		t.Fatalf("Load64 failed: %v", err)
	}
	if err := e.vm.Switch(e.vm.Kernel()); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if _, err := e.m.Load64(virt); !errors.As(err, &f) {
		t.Errorf("Load64 in the kernel space err = %v, want a fault", err)
	}
}

func TestMapTableAllocationFailed(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	e.exhaust(t, 2)
	free := e.frames.FreeCount()
	if err := e.vm.Map(as, 0x400000, 0x1000, pagetables.Writable); !errors.Is(err, memerr.ErrTableAllocationFailed) {
		t.Fatalf("Map err = %v, want %v", err, memerr.ErrTableAllocationFailed)
	}
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d after a failed Map, want %d", got, free)
	}
}

func TestMapRange(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	const (
		virt = hostarch.Addr(0x1ff000)
		n    = 4
	)
	phys, err := e.frames.AllocFrames(n)
	if err != nil {
		t.Fatalf("AllocFrames failed: %v", err)
	}
	if err := e.vm.MapRange(as, virt, phys, n*hostarch.PageSize, pagetables.Writable|pagetables.User); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	var got []hostarch.PhysAddr
	as.Walk(func(v hostarch.Addr, pte pagetables.PTE, _ uint64) bool {
		if !v.IsUpperHalf() {
			got = append(got, pte.Address())
		}
		return true
	})
	want := []hostarch.PhysAddr{phys, phys + 0x1000, phys + 0x2000, phys + 0x3000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mapped frames mismatch (-want +got):\n%s", diff)
	}

	if n, err := e.vm.UnmapRange(as, virt-hostarch.PageSize, 6*hostarch.PageSize); err != nil || n != 4 {
		t.Errorf("UnmapRange = %d, %v, want 4, nil", n, err)
	}
	if _, err := e.vm.UnmapRange(as, virt, 0x800); !errors.Is(err, memerr.ErrInvalidArgument) {
		t.Errorf("UnmapRange err = %v, want %v", err, memerr.ErrInvalidArgument)
	}
}

func TestMapRangeRollback(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	// Enough for the L3, L2 and first L1 table only. The range crosses into
	// a second L1 table.
	e.exhaust(t, 3)
	const virt = hostarch.Addr(0x3fe000)
	err := e.vm.MapRange(as, virt, 0x1000000, 4*hostarch.PageSize, pagetables.Writable)
	if !errors.Is(err, memerr.ErrTableAllocationFailed) {
		t.Fatalf("MapRange err = %v, want %v", err, memerr.ErrTableAllocationFailed)
	}
	for off := hostarch.Addr(0); off < 4*hostarch.PageSize; off += hostarch.PageSize {
		if _, _, ok := e.vm.Lookup(as, virt+off); ok {
			t.Errorf("%v still mapped after a failed MapRange", virt+off)
		}
	}
}

func TestMapRangeRollbackRestoresPreviousMapping(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	as := e.create(t)
	// 0x7ff000 is the last page of its L1 table; 0x800000 needs a new one.
	const virt = hostarch.Addr(0x7ff000)
	if err := e.vm.Map(as, virt, e.alloc(t), pagetables.Writable|pagetables.User); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	type translation struct {
		Phys  hostarch.PhysAddr
		Flags pagetables.Flags
		OK    bool
	}
	lookup := func() translation {
		phys, flags, ok := e.vm.Lookup(as, virt)
		return translation{phys, flags, ok}
	}
	want := lookup()
	e.exhaust(t, 0)

	err := e.vm.MapRange(as, virt, 0x100000, 2*hostarch.PageSize, pagetables.Writable)
	if !errors.Is(err, memerr.ErrTableAllocationFailed) {
		t.Fatalf("MapRange err = %v, want %v", err, memerr.ErrTableAllocationFailed)
	}
	if diff := cmp.Diff(want, lookup()); diff != "" {
		t.Errorf("mapping of %v after a failed MapRange mismatch (-want +got):\n%s", virt, diff)
	}
	if _, _, ok := e.vm.Lookup(as, virt+hostarch.PageSize); ok {
		t.Errorf("%v mapped after a failed MapRange", virt+hostarch.PageSize)
	}
}

func TestDestroy(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	free := e.frames.FreeCount()
	as := e.create(t)
	for _, virt := range []hostarch.Addr{0x400000, 0x401000, 0x40000000, 0x7fffffffe000} {
		if err := e.vm.Map(as, virt, machine.DefaultKernelPhys, pagetables.Writable|pagetables.User); err != nil {
			t.Fatalf("Map(%v) failed: %v", virt, err)
		}
	}
	kva := machine.DefaultKernelVirt + 0x600000
	if err := e.vm.Map(as, kva, machine.DefaultKernelPhys, pagetables.Writable); err != nil {
		t.Fatalf("Map(%v) failed: %v", kva, err)
	}
	shared := e.frames.FreeCount()

	if err := e.vm.Switch(as); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if err := e.vm.Destroy(as); !errors.Is(err, memerr.ErrBusy) {
		t.Errorf("Destroy of the active space err = %v, want %v", err, memerr.ErrBusy)
	}
	if err := e.vm.Switch(e.vm.Kernel()); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if err := e.vm.Destroy(e.vm.Kernel()); !errors.Is(err, memerr.ErrBusy) {
		t.Errorf("Destroy of the kernel space err = %v, want %v", err, memerr.ErrBusy)
	}

	// Frames of the private tables come back; the kernel's new L1 table
	// stays.
	tablesInKernel := free - shared - uint64(as.Tables())
	if err := e.vm.Destroy(as); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got, want := e.frames.FreeCount(), free-tablesInKernel; got != want {
		t.Errorf("FreeCount() after Destroy = %d, want %d", got, want)
	}
	if _, _, ok := e.vm.Lookup(e.vm.Kernel(), kva); !ok {
		t.Errorf("kernel mapping lost by Destroy")
	}
	if err := e.vm.Map(as, 0x400000, 0x1000, pagetables.Writable); !errors.Is(err, memerr.ErrInvalidArgument) {
		t.Errorf("Map on a destroyed space err = %v, want %v", err, memerr.ErrInvalidArgument)
	}
	if err := e.vm.Destroy(as); !errors.Is(err, memerr.ErrInvalidArgument) {
		t.Errorf("second Destroy err = %v, want %v", err, memerr.ErrInvalidArgument)
	}
	if got := e.vm.NumSpaces(); got != 0 {
		t.Errorf("NumSpaces() = %d, want 0", got)
	}
}

func TestConcurrentSpaces(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	free := e.frames.FreeCount()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			as, err := e.vm.Create()
			if err != nil {
				return err
			}
			for i := 0; i < 32; i++ {
				virt := hostarch.Addr(0x400000 + i*0x201000)
				if err := e.vm.Map(as, virt, machine.DefaultKernelPhys, pagetables.Writable|pagetables.User); err != nil {
					return err
				}
				if phys, _, ok := e.vm.Lookup(as, virt); !ok || phys != machine.DefaultKernelPhys {
					return fmt.Errorf("worker %d: Lookup(%v) = %v, %t", w, virt, phys, ok)
				}
			}
			// Each worker also maps one page in its own slot of the shared
			// kernel half.
			kva := machine.DefaultKernelVirt + 0x800000 + hostarch.Addr(w)*hostarch.PageSize
			if err := e.vm.Map(as, kva, machine.DefaultKernelPhys, pagetables.Writable); err != nil {
				return err
			}
			return e.vm.Destroy(as)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for w := 0; w < 8; w++ {
		kva := machine.DefaultKernelVirt + 0x800000 + hostarch.Addr(w)*hostarch.PageSize
		if _, _, ok := e.vm.Lookup(e.vm.Kernel(), kva); !ok {
			t.Errorf("kernel mapping %v from worker %d missing", kva, w)
		}
	}
	// Only the kernel's new L1 table remains allocated.
	if got, want := e.frames.FreeCount(), free-1; got != want {
		t.Errorf("FreeCount() = %d, want %d", got, want)
	}
}

func TestDestroyWaitsForMap(t *testing.T) {
	e := newTestEnv(t, machine.DefaultConfig(), Options{})
	free := e.frames.FreeCount()
	as := e.create(t)

	// Every Map allocates a fresh L1 table. A Map that slipped past Destroy
	// would write into a released table and leak the frames it allocated.
	var g errgroup.Group
	for i := 1; i <= 4; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < 64; j++ {
				virt := hostarch.Addr(i)<<30 + hostarch.Addr(j)<<21
				err := e.vm.Map(as, virt, machine.DefaultKernelPhys, pagetables.Writable)
				switch {
				case err == nil:
				case errors.Is(err, memerr.ErrInvalidArgument):
					return nil
				default:
					return fmt.Errorf("Map(%v): %w", virt, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		return e.vm.Destroy(as)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Map and Destroy failed: %v", err)
	}
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() after Destroy = %d, want %d", got, free)
	}
	if _, _, ok := e.vm.Lookup(as, 1<<30); ok {
		t.Errorf("Lookup on a destroyed space succeeded")
	}
}
