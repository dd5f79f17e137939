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

// Package pfa implements the physical frame allocator.
//
// The allocator keeps one bit per physical frame, set when the frame is in
// use. The bitmap itself lives in physical memory, carved out of the first
// usable region large enough to hold it, and is reached through the direct
// map.
package pfa

import (
	"fmt"
	"sync"
	"time"

	"jarjarvis.dev/kmem/pkg/bitmap"
	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
)

// exhaustionLogInterval bounds how often running out of frames is logged.
const exhaustionLogInterval = time.Second

// Options are optional allocator parameters.
type Options struct {
	// ZeroOnAlloc clears every frame before it is returned.
	ZeroOnAlloc bool

	// Logger receives exhaustion warnings. If nil, the global logger is used,
	// rate limited.
	Logger log.Logger
}

// Stats is a snapshot of allocator state.
type Stats struct {
	TotalFrames uint64            `json:"total_frames"`
	FreeFrames  uint64            `json:"free_frames"`
	UsedFrames  uint64            `json:"used_frames"`
	BitmapPhys  hostarch.PhysAddr `json:"bitmap_phys"`
	BitmapBytes uint64            `json:"bitmap_bytes"`
	Allocs      uint64            `json:"allocs"`
	Frees       uint64            `json:"frees"`
	Failures    uint64            `json:"failures"`
}

// Allocator is a bitmap frame allocator.
//
// All methods are safe for concurrent use.
type Allocator struct {
	window *directmap.Window
	opts   Options
	warn   log.Logger

	// regions is the memory map after the bitmap was carved out. Immutable.
	regions bootmem.Map

	// bitmapPhys and bitmapBytes locate the bitmap storage. Immutable.
	bitmapPhys  hostarch.PhysAddr
	bitmapBytes uint64

	// mu protects the fields below.
	mu sync.Mutex

	// frames has one bit per frame in [0, total).
	frames bitmap.Bitmap

	allocs   uint64
	frees    uint64
	failures uint64
}

// New builds an allocator over the memory map in regions. regions is not
// modified.
//
// Every frame starts out used. Frames lying entirely inside a usable region
// are then marked free, and frames touched by any other region, as well as
// the frames holding the bitmap, are marked used again, so memory map entries
// need not be sorted or disjoint.
func New(regions bootmem.Map, window *directmap.Window, opts Options) (*Allocator, error) {
	m := regions.Clone()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", memerr.ErrInvalidArgument, err)
	}

	total := uint64(m.HighestUsableEnd()) / hostarch.PageSize
	if total == 0 {
		return nil, fmt.Errorf("memory map has no usable frame: %w", memerr.ErrNoUsableMemory)
	}
	nbytes := bitmap.BytesFor(total)

	// First fit, in memory map order.
	place := -1
	for i, r := range m {
		if r.Usable() && r.Length >= nbytes {
			place = i
			break
		}
	}
	if place < 0 {
		return nil, fmt.Errorf("no usable region holds a %d byte bitmap: %w", nbytes, memerr.ErrBitmapPlacement)
	}
	phys := m[place].Base
	if !window.Contains(phys, nbytes) {
		return nil, fmt.Errorf("bitmap at %v is outside the direct map: %w", phys, memerr.ErrBitmapPlacement)
	}
	m[place].Base += hostarch.PhysAddr(nbytes)
	m[place].Length -= nbytes

	storage := window.Bytes(window.MustMap(phys), nbytes)
	frames, err := bitmap.New(storage, total)
	if err != nil {
		return nil, err
	}
	frames.Fill()

	for _, r := range m {
		if !r.Usable() {
			continue
		}
		first, ok := r.Base.RoundUp()
		if !ok {
			continue
		}
		begin, end := first.FrameIndex(), r.End().FrameIndex()
		if begin < end {
			frames.ClearRange(begin, end)
		}
	}
	for _, r := range m {
		if r.Usable() || r.Length == 0 {
			continue
		}
		frames.SetRange(r.Base.FrameIndex(), frameCeil(r.End()))
	}
	frames.SetRange(phys.FrameIndex(), frameCeil(phys+hostarch.PhysAddr(nbytes)))

	a := &Allocator{
		window:      window,
		opts:        opts,
		warn:        opts.Logger,
		regions:     m,
		bitmapPhys:  phys,
		bitmapBytes: nbytes,
		frames:      frames,
	}
	if a.warn == nil {
		a.warn = log.BasicRateLimitedLogger(exhaustionLogInterval)
	}
	log.Infof("pfa: %d frames, %d free, bitmap %d bytes at %v", total, frames.GetNumZeros(), nbytes, phys)
	return a, nil
}

// frameCeil returns the index of the first frame starting at or after p.
func frameCeil(p hostarch.PhysAddr) uint64 {
	return (uint64(p) + hostarch.PageSize - 1) / hostarch.PageSize
}

// AllocFrame allocates the lowest free frame.
func (a *Allocator) AllocFrame() (hostarch.PhysAddr, error) {
	a.mu.Lock()
	i, ok := a.frames.FirstZero(0)
	if !ok {
		a.failures++
		a.mu.Unlock()
		a.warn.Warningf("pfa: out of physical frames (%d total)", a.frames.Size())
		return 0, memerr.ErrFrameExhausted
	}
	a.frames.Add(i)
	a.allocs++
	a.mu.Unlock()

	p := hostarch.FrameAddr(i)
	if a.opts.ZeroOnAlloc {
		a.window.Zero(a.window.MustMap(p), hostarch.PageSize)
	}
	return p, nil
}

// AllocFrames allocates the lowest run of n contiguous free frames and returns
// the address of the first.
func (a *Allocator) AllocFrames(n uint64) (hostarch.PhysAddr, error) {
	if n == 0 {
		return 0, fmt.Errorf("allocating zero frames: %w", memerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	i, ok := a.frames.FirstZeroRun(0, n)
	if !ok {
		a.failures++
		a.mu.Unlock()
		a.warn.Warningf("pfa: no run of %d free frames (%d free)", n, a.FreeCount())
		return 0, fmt.Errorf("allocating %d contiguous frames: %w", n, memerr.ErrFrameExhausted)
	}
	a.frames.SetRange(i, i+n)
	a.allocs += n
	a.mu.Unlock()

	p := hostarch.FrameAddr(i)
	if a.opts.ZeroOnAlloc {
		a.window.Zero(a.window.MustMap(p), n*hostarch.PageSize)
	}
	return p, nil
}

// checkFree validates that [p, p+n frames) may be freed.
//
// Precondition: a.mu must be held.
func (a *Allocator) checkFree(p hostarch.PhysAddr, n uint64) (uint64, error) {
	if !p.IsPageAligned() {
		return 0, fmt.Errorf("freeing %v: %w", p, memerr.ErrInvalidArgument)
	}
	first := p.FrameIndex()
	if first >= a.frames.Size() || n > a.frames.Size()-first {
		return 0, fmt.Errorf("freeing %v (%d frames) outside %d managed frames: %w", p, n, a.frames.Size(), memerr.ErrInvalidFrameIndex)
	}
	for i := first; i < first+n; i++ {
		if !a.frames.IsSet(i) {
			return 0, fmt.Errorf("freeing %v: %w", hostarch.FrameAddr(i), memerr.ErrDoubleFree)
		}
	}
	return first, nil
}

// FreeFrame returns the frame at p to the allocator. On error nothing is
// changed.
func (a *Allocator) FreeFrame(p hostarch.PhysAddr) error {
	return a.FreeFrames(p, 1)
}

// FreeFrames frees n contiguous frames starting at p. Either all frames are
// freed or, on error, none.
func (a *Allocator) FreeFrames(p hostarch.PhysAddr, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, err := a.checkFree(p, n)
	if err != nil {
		return err
	}
	a.frames.ClearRange(first, first+n)
	a.frees += n
	return nil
}

// FreeCount returns the number of free frames.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames.GetNumZeros()
}

// TotalCount returns the number of frames covered by the bitmap, including
// frames that can never be allocated.
func (a *Allocator) TotalCount() uint64 {
	return a.frames.Size()
}

// UsedCount returns the number of frames marked used.
func (a *Allocator) UsedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames.GetNumOnes()
}

// IsAllocated returns true if the frame containing p is marked used. Addresses
// beyond the managed range are reported as used.
func (a *Allocator) IsAllocated(p hostarch.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames.IsSet(p.FrameIndex())
}

// Regions returns a copy of the memory map with the bitmap carved out.
func (a *Allocator) Regions() bootmem.Map {
	return a.regions.Clone()
}

// BitmapPhys returns the physical address of the bitmap.
func (a *Allocator) BitmapPhys() hostarch.PhysAddr {
	return a.bitmapPhys
}

// BitmapBytes returns the size of the bitmap in bytes.
func (a *Allocator) BitmapBytes() uint64 {
	return a.bitmapBytes
}

// Window returns the direct map the allocator reaches memory through.
func (a *Allocator) Window() *directmap.Window {
	return a.window
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalFrames: a.frames.Size(),
		FreeFrames:  a.frames.GetNumZeros(),
		UsedFrames:  a.frames.GetNumOnes(),
		BitmapPhys:  a.bitmapPhys,
		BitmapBytes: a.bitmapBytes,
		Allocs:      a.allocs,
		Frees:       a.frees,
		Failures:    a.failures,
	}
}
