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

// Package kmem brings up the memory subsystem.
//
// Boot builds the frame allocator from the bootloader's memory map and then
// the address space manager from the root table the bootloader left in CR3.
// The resulting Kernel is passed explicitly to every consumer; there is no
// global allocator state.
package kmem

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/cpu"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/pagetables"
	"jarjarvis.dev/kmem/pkg/pfa"
	"jarjarvis.dev/kmem/pkg/vmm"
)

// Options configure Boot.
type Options struct {
	Frames pfa.Options
	Spaces vmm.Options
}

// Kernel is the booted memory subsystem.
type Kernel struct {
	Frames *pfa.Allocator
	Spaces *vmm.Manager
	Window *directmap.Window
	CPU    cpu.CPU
}

// Stats summarizes the state of a Kernel.
type Stats struct {
	Frames     pfa.Stats         `json:"frames"`
	Spaces     int               `json:"spaces"`
	NX         bool              `json:"nx"`
	KernelRoot hostarch.PhysAddr `json:"kernel_root"`
}

// Boot initializes the frame allocator and then the address space manager.
func Boot(regions bootmem.Map, window *directmap.Window, c cpu.CPU, opts Options) (*Kernel, error) {
	frames, err := pfa.New(regions, window, opts.Frames)
	if err != nil {
		return nil, fmt.Errorf("initializing frame allocator: %w", err)
	}
	spaces, err := vmm.Init(frames, window, c, opts.Spaces)
	if err != nil {
		return nil, fmt.Errorf("initializing address spaces: %w", err)
	}
	log.Infof("kmem: booted, %d frames used, %d of %d free", frames.UsedCount(), frames.FreeCount(), frames.TotalCount())
	return &Kernel{
		Frames: frames,
		Spaces: spaces,
		Window: window,
		CPU:    c,
	}, nil
}

// MustBoot is like Boot, but a failure is fatal: no further kernel code can
// run without memory management. The processor is halted if it supports it,
// then MustBoot panics.
func MustBoot(regions bootmem.Map, window *directmap.Window, c cpu.CPU, opts Options) *Kernel {
	k, err := Boot(regions, window, c, opts)
	if err != nil {
		if h, ok := c.(cpu.Halter); ok {
			h.Halt(err.Error())
		}
		panic(fmt.Sprintf("kmem: boot failed: %v", err))
	}
	return k
}

// Stats returns a snapshot of the kernel's memory state.
func (k *Kernel) Stats() Stats {
	return Stats{
		Frames:     k.Frames.Stats(),
		Spaces:     k.Spaces.NumSpaces(),
		NX:         k.Spaces.NX(),
		KernelRoot: k.Spaces.Kernel().Root(),
	}
}

// MapNew allocates a zeroed frame and maps it at virt in as. If the mapping
// fails the frame is freed again.
func (k *Kernel) MapNew(as *vmm.AddressSpace, virt hostarch.Addr, flags pagetables.Flags) (hostarch.PhysAddr, error) {
	phys, err := k.Frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	k.Window.Zero(k.Window.MustMap(phys), hostarch.PageSize)
	if err := k.Spaces.Map(as, virt, phys, flags); err != nil {
		if ferr := k.Frames.FreeFrame(phys); ferr != nil {
			log.Warningf("kmem: freeing %v after failed map: %v", phys, ferr)
		}
		return 0, err
	}
	return phys, nil
}

// UnmapFree unmaps virt from as and frees the frame it mapped. It returns
// false if virt was not mapped.
func (k *Kernel) UnmapFree(as *vmm.AddressSpace, virt hostarch.Addr) (bool, error) {
	phys, ok, err := k.Spaces.Unmap(as, virt)
	if err != nil || !ok {
		return ok, err
	}
	return true, k.Frames.FreeFrame(phys)
}
