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

package pfa

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/memutil"
)

const testOffset = hostarch.Addr(0xffff800000000000)

func newTestWindow(t *testing.T, size uint64) *directmap.Window {
	t.Helper()
	mem, err := memutil.NewSharedMemory("pfa-test", size)
	if err != nil {
		t.Fatalf("NewSharedMemory failed: %v", err)
	}
	t.Cleanup(func() { memutil.UnmapSlice(mem) })
	w, err := directmap.New(testOffset, mem)
	if err != nil {
		t.Fatalf("directmap.New failed: %v", err)
	}
	return w
}

func newTestAllocator(t *testing.T, regions bootmem.Map, opts Options) *Allocator {
	t.Helper()
	w := newTestWindow(t, 16<<20)
	a, err := New(regions, w, opts)
	if err != nil {
		t.Fatalf("New(%v) failed: %v", regions, err)
	}
	return a
}

// freeIndices returns the indices of all free frames.
func freeIndices(a *Allocator) []uint64 {
	var free []uint64
	for i := uint64(0); i < a.TotalCount(); i++ {
		if !a.IsAllocated(hostarch.FrameAddr(i)) {
			free = append(free, i)
		}
	}
	return free
}

func span(begin, end uint64) []uint64 {
	var s []uint64
	for i := begin; i < end; i++ {
		s = append(s, i)
	}
	return s
}

func TestBootAllocFreeAlloc(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 16 << 20, Kind: bootmem.Usable}}, Options{})

	if got, want := a.TotalCount(), uint64(4096); got != want {
		t.Errorf("TotalCount() = %d, want %d", got, want)
	}
	if got, want := a.BitmapBytes(), uint64(512); got != want {
		t.Errorf("BitmapBytes() = %d, want %d", got, want)
	}
	if !a.IsAllocated(a.BitmapPhys()) {
		t.Errorf("bitmap frame %v is free", a.BitmapPhys())
	}
	if got, want := a.FreeCount(), uint64(4095); got != want {
		t.Errorf("FreeCount() = %d, want %d", got, want)
	}

	var got []hostarch.PhysAddr
	for i := 0; i < 3; i++ {
		p, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame failed: %v", err)
		}
		got = append(got, p)
	}
	if diff := cmp.Diff([]hostarch.PhysAddr{0x1000, 0x2000, 0x3000}, got); diff != "" {
		t.Errorf("allocations mismatch (-want +got):\n%s", diff)
	}

	if err := a.FreeFrame(got[1]); err != nil {
		t.Fatalf("FreeFrame(%v) failed: %v", got[1], err)
	}
	if got, want := a.FreeCount(), uint64(4093); got != want {
		t.Errorf("FreeCount() = %d, want %d", got, want)
	}
	p, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	if p != got[1] {
		t.Errorf("AllocFrame() = %v, want the freed frame %v", p, got[1])
	}
}

func TestInit(t *testing.T) {
	for _, test := range []struct {
		name       string
		regions    bootmem.Map
		total      uint64
		bitmapPhys hostarch.PhysAddr
		free       []uint64
	}{
		{
			name: "hole",
			regions: bootmem.Map{
				{Base: 0, Length: 0x9f000, Kind: bootmem.Usable},
				{Base: 0x9f000, Length: 0x61000, Kind: bootmem.Reserved},
				{Base: 0x100000, Length: 0x100000, Kind: bootmem.Usable},
			},
			total: 512,
			free:  append(span(1, 0x9f), span(0x100, 0x200)...),
		},
		{
			name: "reserved overlaps usable",
			regions: bootmem.Map{
				{Base: 0, Length: 0x10000, Kind: bootmem.Usable},
				{Base: 0x3800, Length: 0x1000, Kind: bootmem.ACPINVS},
			},
			total: 16,
			free:  append(span(1, 3), span(5, 16)...),
		},
		{
			name: "unsorted",
			regions: bootmem.Map{
				{Base: 0x8000, Length: 0x8000, Kind: bootmem.Usable},
				{Base: 0, Length: 0x4000, Kind: bootmem.Usable},
			},
			total:      16,
			bitmapPhys: 0x8000,
			free:       append(span(0, 4), span(9, 16)...),
		},
		{
			name: "unaligned usable region",
			regions: bootmem.Map{
				{Base: 0x1800, Length: 0x3000, Kind: bootmem.Usable},
			},
			total:      4,
			bitmapPhys: 0x1800,
			free:       span(2, 4),
		},
		{
			name: "bitmap in second region",
			regions: bootmem.Map{
				{Base: 0, Length: 0, Kind: bootmem.Usable},
				{Base: 0x1000, Length: 0x1000, Kind: bootmem.Framebuffer},
				{Base: 0x2000, Length: 0x6000, Kind: bootmem.Usable},
			},
			total:      8,
			bitmapPhys: 0x2000,
			free:       span(3, 8),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			a := newTestAllocator(t, test.regions, Options{})
			if got := a.TotalCount(); got != test.total {
				t.Errorf("TotalCount() = %d, want %d", got, test.total)
			}
			if got := a.BitmapPhys(); got != test.bitmapPhys {
				t.Errorf("BitmapPhys() = %v, want %v", got, test.bitmapPhys)
			}
			if diff := cmp.Diff(test.free, freeIndices(a)); diff != "" {
				t.Errorf("free frames mismatch (-want +got):\n%s", diff)
			}
			if got, want := a.FreeCount(), uint64(len(test.free)); got != want {
				t.Errorf("FreeCount() = %d, want %d", got, want)
			}
			if got, want := a.UsedCount(), test.total-uint64(len(test.free)); got != want {
				t.Errorf("UsedCount() = %d, want %d", got, want)
			}
		})
	}
}

func TestInitDoesNotModifyRegions(t *testing.T) {
	regions := bootmem.Map{{Base: 0, Length: 0x10000, Kind: bootmem.Usable}}
	a := newTestAllocator(t, regions, Options{})
	if regions[0].Base != 0 || regions[0].Length != 0x10000 {
		t.Errorf("New modified its input: %v", regions)
	}
	want := bootmem.Map{{Base: 2, Length: 0x10000 - 2, Kind: bootmem.Usable}}
	if diff := cmp.Diff(want, a.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestInitErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		regions bootmem.Map
		want    error
	}{
		{name: "empty", regions: nil, want: memerr.ErrNoUsableMemory},
		{name: "only reserved", regions: bootmem.Map{{Base: 0, Length: 0x100000, Kind: bootmem.Reserved}}, want: memerr.ErrNoUsableMemory},
		{name: "less than a frame", regions: bootmem.Map{{Base: 0, Length: 0x800, Kind: bootmem.Usable}}, want: memerr.ErrNoUsableMemory},
		{name: "no region holds the bitmap", regions: bootmem.Map{{Base: 0x7fff0000, Length: 0x10, Kind: bootmem.Usable}}, want: memerr.ErrBitmapPlacement},
		{name: "bitmap beyond direct map", regions: bootmem.Map{{Base: 0x2000000, Length: 0x100000, Kind: bootmem.Usable}}, want: memerr.ErrBitmapPlacement},
		{name: "overflowing entry", regions: bootmem.Map{{Base: hostarch.MaxPhysAddr, Length: 0x1000, Kind: bootmem.Usable}}, want: memerr.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			w := newTestWindow(t, 16<<20)
			_, err := New(test.regions, w, Options{})
			if !errors.Is(err, test.want) {
				t.Errorf("New err = %v, want %v", err, test.want)
			}
		})
	}
}

func TestExhaustion(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 64 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{})
	n := a.FreeCount()
	seen := make(map[hostarch.PhysAddr]bool)
	for i := uint64(0); i < n; i++ {
		p, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame %d failed: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("AllocFrame returned %v twice", p)
		}
		seen[p] = true
	}
	if _, err := a.AllocFrame(); !errors.Is(err, memerr.ErrFrameExhausted) {
		t.Errorf("AllocFrame err = %v, want %v", err, memerr.ErrFrameExhausted)
	}
	if got := a.FreeCount(); got != 0 {
		t.Errorf("FreeCount() = %d, want 0", got)
	}
	want := Stats{TotalFrames: 64, UsedFrames: 64, BitmapBytes: 8, Allocs: n, Failures: 1}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestFreeErrors(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 64 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{})
	p, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	if err := a.FreeFrame(p); err != nil {
		t.Fatalf("FreeFrame failed: %v", err)
	}
	free := a.FreeCount()

	for _, test := range []struct {
		name string
		addr hostarch.PhysAddr
		want error
	}{
		{name: "double free", addr: p, want: memerr.ErrDoubleFree},
		{name: "never allocated", addr: 0x20000, want: memerr.ErrDoubleFree},
		{name: "beyond managed range", addr: 64 * hostarch.PageSize, want: memerr.ErrInvalidFrameIndex},
		{name: "far beyond managed range", addr: 1 << 40, want: memerr.ErrInvalidFrameIndex},
		{name: "unaligned", addr: p + 8, want: memerr.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := a.FreeFrame(test.addr); !errors.Is(err, test.want) {
				t.Errorf("FreeFrame(%v) err = %v, want %v", test.addr, err, test.want)
			}
			if got := a.FreeCount(); got != free {
				t.Errorf("FreeCount() = %d, want %d", got, free)
			}
		})
	}
}

func TestAllocFrames(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 16 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{})
	// Frame 0 holds the bitmap. Punch a single frame hole at 3.
	for i := 0; i < 4; i++ {
		if _, err := a.AllocFrame(); err != nil {
			t.Fatalf("AllocFrame failed: %v", err)
		}
	}
	if err := a.FreeFrame(0x3000); err != nil {
		t.Fatalf("FreeFrame failed: %v", err)
	}

	p, err := a.AllocFrames(3)
	if err != nil {
		t.Fatalf("AllocFrames(3) failed: %v", err)
	}
	if p != 0x5000 {
		t.Errorf("AllocFrames(3) = %v, want 0x5000", p)
	}
	if _, err := a.AllocFrames(16); !errors.Is(err, memerr.ErrFrameExhausted) {
		t.Errorf("AllocFrames(16) err = %v, want %v", err, memerr.ErrFrameExhausted)
	}
	if _, err := a.AllocFrames(0); !errors.Is(err, memerr.ErrInvalidArgument) {
		t.Errorf("AllocFrames(0) err = %v, want %v", err, memerr.ErrInvalidArgument)
	}

	// A partially free range is refused as a whole.
	if err := a.FreeFrames(0x2000, 3); !errors.Is(err, memerr.ErrDoubleFree) {
		t.Errorf("FreeFrames err = %v, want %v", err, memerr.ErrDoubleFree)
	}
	if !a.IsAllocated(0x2000) {
		t.Errorf("FreeFrames freed part of a refused range")
	}
	if err := a.FreeFrames(p, 3); err != nil {
		t.Fatalf("FreeFrames failed: %v", err)
	}
	if diff := cmp.Diff(append([]uint64{3}, span(5, 16)...), freeIndices(a)); diff != "" {
		t.Errorf("free frames mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroOnAlloc(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 16 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{ZeroOnAlloc: true})
	p, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	w := a.Window()
	b := w.Bytes(w.MustMap(p), hostarch.PageSize)
	for i := range b {
		b[i] = 0xa5
	}
	if err := a.FreeFrame(p); err != nil {
		t.Fatalf("FreeFrame failed: %v", err)
	}
	if q, err := a.AllocFrame(); err != nil || q != p {
		t.Fatalf("AllocFrame = %v, %v, want %v, nil", q, err, p)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d of reallocated frame = %#x, want 0", i, v)
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	warnings []string
}

func (r *recorder) Debugf(string, ...any) {}
func (r *recorder) Infof(string, ...any)  {}
func (r *recorder) Warningf(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, fmt.Sprintf(format, v...))
}
func (r *recorder) IsLogging(log.Level) bool { return true }

func TestExhaustionWarningIsRateLimited(t *testing.T) {
	r := &recorder{}
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 8 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{
		Logger: log.RateLimitedLogger(r, time.Hour),
	})
	for {
		if _, err := a.AllocFrame(); err != nil {
			break
		}
	}
	for i := 0; i < 10; i++ {
		a.AllocFrame()
	}
	if diff := cmp.Diff([]string{"pfa: out of physical frames (8 total)"}, r.warnings); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	a := newTestAllocator(t, bootmem.Map{{Base: 0, Length: 1024 * hostarch.PageSize, Kind: bootmem.Usable}}, Options{})
	free := a.FreeCount()

	var (
		mu    sync.Mutex
		owned = make(map[hostarch.PhysAddr]int)
	)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			var mine []hostarch.PhysAddr
			for i := 0; i < 100; i++ {
				p, err := a.AllocFrame()
				if err != nil {
					return err
				}
				mu.Lock()
				if other, ok := owned[p]; ok {
					mu.Unlock()
					return fmt.Errorf("frame %v handed to workers %d and %d", p, other, w)
				}
				owned[p] = w
				mu.Unlock()
				mine = append(mine, p)
			}
			for _, p := range mine {
				mu.Lock()
				delete(owned, p)
				mu.Unlock()
				if err := a.FreeFrame(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := a.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
}
