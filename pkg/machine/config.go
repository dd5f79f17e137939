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

package machine

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/hostarch"
)

// Defaults for Config.
const (
	DefaultRAMBytes        = 64 << 20
	DefaultDirectMapOffset = hostarch.Addr(0xffff800000000000)
	DefaultKernelPhys      = hostarch.PhysAddr(0x200000)
	DefaultKernelBytes     = 2 << 20
	DefaultKernelVirt      = hostarch.Addr(0xffffffff80000000)

	// bootTableFrames is the size of the region the bootloader builds its
	// page tables in.
	bootTableFrames = 64
)

// Config describes a simulated machine.
type Config struct {
	// RAMBytes is the amount of physical memory, starting at address zero.
	RAMBytes uint64 `toml:"ram_bytes"`

	// DirectMapOffset is the virtual address of physical address zero.
	DirectMapOffset hostarch.Addr `toml:"direct_map_offset"`

	// NoNX hides the no-execute feature from CPUID.
	NoNX bool `toml:"no_nx"`

	// KernelPhys and KernelBytes locate the kernel image in physical memory.
	// KernelVirt is where the bootloader maps it.
	KernelPhys  hostarch.PhysAddr `toml:"kernel_phys"`
	KernelBytes uint64            `toml:"kernel_bytes"`
	KernelVirt  hostarch.Addr     `toml:"kernel_virt"`

	// Holes are regions the firmware reports as not usable. They may lie
	// beyond RAMBytes.
	Holes []bootmem.Region `toml:"hole"`
}

// DefaultConfig returns a 64MB machine with a legacy BIOS hole and the
// kernel loaded at 2MB.
func DefaultConfig() Config {
	return Config{
		RAMBytes:        DefaultRAMBytes,
		DirectMapOffset: DefaultDirectMapOffset,
		KernelPhys:      DefaultKernelPhys,
		KernelBytes:     DefaultKernelBytes,
		KernelVirt:      DefaultKernelVirt,
		Holes: []bootmem.Region{
			{Base: 0x9f000, Length: 0x61000, Kind: bootmem.Reserved},
		},
	}
}

// bootTables returns the physical region the bootloader builds tables in.
func (c *Config) bootTables() bootmem.Region {
	return bootmem.Region{
		Base:   c.KernelPhys + hostarch.PhysAddr(c.KernelBytes),
		Length: bootTableFrames * hostarch.PageSize,
		Kind:   bootmem.BootloaderReclaimable,
	}
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	switch {
	case c.RAMBytes == 0 || c.RAMBytes%hostarch.HugePageSize != 0:
		return fmt.Errorf("RAM size %#x is not a non-zero multiple of 2MB", c.RAMBytes)
	case c.DirectMapOffset.HugeRoundDown() != c.DirectMapOffset || !c.DirectMapOffset.IsUpperHalf():
		return fmt.Errorf("direct map offset %v is not a 2MB aligned upper half address", c.DirectMapOffset)
	case !c.KernelPhys.IsPageAligned() || !c.KernelVirt.IsPageAligned():
		return fmt.Errorf("kernel image %v at %v is not page aligned", c.KernelPhys, c.KernelVirt)
	case c.KernelBytes == 0 || c.KernelBytes%hostarch.PageSize != 0:
		return fmt.Errorf("kernel size %#x is not a non-zero multiple of the page size", c.KernelBytes)
	case !c.KernelVirt.IsUpperHalf():
		return fmt.Errorf("kernel virtual address %v is not in the upper half", c.KernelVirt)
	}
	if end := c.bootTables().End(); uint64(end) > c.RAMBytes {
		return fmt.Errorf("kernel image and boot tables end at %v, beyond RAM (%#x)", end, c.RAMBytes)
	}
	dmEnd, ok := c.DirectMapOffset.AddLength(c.RAMBytes)
	if !ok || (c.KernelVirt < dmEnd && c.DirectMapOffset < c.KernelVirt+hostarch.Addr(c.KernelBytes)) {
		return fmt.Errorf("kernel at %v overlaps the direct map [%v, %v)", c.KernelVirt, c.DirectMapOffset, dmEnd)
	}
	for _, h := range c.Holes {
		if h.Usable() {
			return fmt.Errorf("hole %v is marked usable", h)
		}
		if h.Overlaps(c.bootTables()) || h.Overlaps(bootmem.Region{Base: c.KernelPhys, Length: c.KernelBytes}) {
			return fmt.Errorf("hole %v overlaps the kernel image or boot tables", h)
		}
	}
	return bootmem.Map(c.Holes).Validate()
}
