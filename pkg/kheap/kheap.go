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

// Package kheap provides the page level backing of the kernel heap.
//
// The heap is a contiguous range of the kernel half that grows and shrinks
// by whole pages at its end. Each page is a frame from the frame allocator
// mapped writable, global and, when available, no-execute.
package kheap

import (
	"fmt"
	"sync"

	"jarjarvis.dev/kmem/pkg/cleanup"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/kmem"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/pagetables"
)

// DefaultBase is where the heap starts unless configured otherwise.
const DefaultBase = hostarch.Addr(0xffffc90000000000)

// Heap is the kernel heap's page range.
type Heap struct {
	k     *kmem.Kernel
	base  hostarch.Addr
	limit uint64
	flags pagetables.Flags

	mu sync.Mutex

	// frames backs [base, base+len(frames)*PageSize).
	frames []hostarch.PhysAddr
}

// New returns an empty heap at base that may grow to limit bytes.
func New(k *kmem.Kernel, base hostarch.Addr, limit uint64) (*Heap, error) {
	if !base.IsUpperHalf() || !base.IsPageAligned() || limit%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("heap at %v with limit %#x: %w", base, limit, memerr.ErrInvalidArgument)
	}
	if _, ok := base.AddLength(limit); !ok {
		return nil, fmt.Errorf("heap at %v with limit %#x wraps: %w", base, limit, memerr.ErrInvalidArgument)
	}
	flags := pagetables.Writable | pagetables.Global
	if k.Spaces.NX() {
		flags |= pagetables.NoExecute
	}
	return &Heap{k: k, base: base, limit: limit, flags: flags}, nil
}

// Base returns the first address of the heap.
func (h *Heap) Base() hostarch.Addr {
	return h.base
}

// Size returns the number of bytes currently mapped.
func (h *Heap) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(len(h.frames)) * hostarch.PageSize
}

// Grow maps n more pages at the end of the heap and returns the address of
// the first. The new memory is zeroed. On failure the heap is unchanged and
// the error wraps memerr.ErrOutOfMemory.
func (h *Heap) Grow(n int) (hostarch.Addr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("growing heap by %d pages: %w", n, memerr.ErrInvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := h.base + hostarch.Addr(uint64(len(h.frames))*hostarch.PageSize)
	if uint64(len(h.frames)+n)*hostarch.PageSize > h.limit {
		return 0, fmt.Errorf("growing heap by %d pages past its %#x byte limit: %w", n, h.limit, memerr.ErrOutOfMemory)
	}

	kernel := h.k.Spaces.Kernel()
	var cu cleanup.Cleanup
	defer cu.Clean()
	added := make([]hostarch.PhysAddr, 0, n)
	for i := 0; i < n; i++ {
		virt := start + hostarch.Addr(uint64(i)*hostarch.PageSize)
		phys, err := h.k.MapNew(kernel, virt, h.flags)
		if err != nil {
			return 0, fmt.Errorf("growing heap at %v: %w: %w", virt, memerr.ErrOutOfMemory, err)
		}
		cu.Add(func() {
			if _, err := h.k.UnmapFree(kernel, virt); err != nil {
				log.Warningf("kheap: rolling back %v: %v", virt, err)
			}
		})
		added = append(added, phys)
	}
	cu.Release()
	h.frames = append(h.frames, added...)
	log.Debugf("kheap: grew by %d pages to %#x bytes", n, uint64(len(h.frames))*hostarch.PageSize)
	return start, nil
}

// Shrink unmaps and frees the last n pages.
func (h *Heap) Shrink(n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 0 || n > len(h.frames) {
		return fmt.Errorf("shrinking heap of %d pages by %d: %w", len(h.frames), n, memerr.ErrInvalidArgument)
	}
	kernel := h.k.Spaces.Kernel()
	for n > 0 {
		i := len(h.frames) - 1
		virt := h.base + hostarch.Addr(uint64(i)*hostarch.PageSize)
		if _, err := h.k.UnmapFree(kernel, virt); err != nil {
			return fmt.Errorf("shrinking heap at %v: %w", virt, err)
		}
		h.frames = h.frames[:i]
		n--
	}
	return nil
}
