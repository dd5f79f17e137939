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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"jarjarvis.dev/kmem/kmemsim/cmd/util"
	"jarjarvis.dev/kmem/kmemsim/config"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/pagetables"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	addr       uint64
	pages      int
	flags      flagsValue
	cache      cacheValue
	contiguous bool
	all        bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map fresh frames into a new address space and print its page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] - create an address space, map pages, touch them through the MMU and print every leaf entry
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Map) SetFlags(f *flag.FlagSet) {
	c.flags = flagsValue(pagetables.Writable | pagetables.User)
	f.Uint64Var(&c.addr, "addr", 0x400000, "virtual address of the first page.")
	f.IntVar(&c.pages, "pages", 4, "number of pages to map.")
	f.Var(&c.flags, "flags", "page table flags, e.g. W|U|NX. Present is implied.")
	f.Var(&c.cache, "cache", "memory type of the pages: wb, wt or uc.")
	f.BoolVar(&c.contiguous, "contiguous", false, "back the pages with one physically contiguous run of frames.")
	f.BoolVar(&c.all, "all", false, "also print the shared kernel half.")
}

// Execute implements subcommands.Command.Execute.
func (c *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := c.run(conf, os.Stdout); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// run maps the pages in a fresh address space, checks them through the
// simulated MMU and writes the leaf entries to w.
func (c *Map) run(conf *config.Config, w io.Writer) error {
	m, k, err := newMachine(conf)
	if err != nil {
		return err
	}
	defer m.Close()

	as, err := k.Spaces.Create()
	if err != nil {
		return err
	}
	flags := pagetables.Flags(c.flags) | pagetables.FlagsFor(hostarch.MemoryType(c.cache))
	base := hostarch.Addr(c.addr)
	length := uint64(c.pages) * hostarch.PageSize
	var run hostarch.PhysAddr
	if c.contiguous {
		if run, err = k.Frames.AllocFrames(uint64(c.pages)); err != nil {
			return err
		}
		k.Frames.Window().Zero(k.Frames.Window().MustMap(run), length)
		if err := k.Spaces.MapRange(as, base, run, length, flags); err != nil {
			return fmt.Errorf("mapping %#x bytes at %v: %w", length, base, err)
		}
	} else {
		for i := 0; i < c.pages; i++ {
			virt := base + hostarch.Addr(i)*hostarch.PageSize
			if _, err := k.MapNew(as, virt, flags); err != nil {
				return fmt.Errorf("mapping %v: %w", virt, err)
			}
		}
	}
	if err := k.Spaces.Switch(as); err != nil {
		return err
	}

	// Every page was zeroed. Writes must land only where they are allowed.
	for i := 0; i < c.pages; i++ {
		virt := base + hostarch.Addr(i)*hostarch.PageSize
		want := uint64(0)
		if flags.Has(pagetables.Writable) {
			if err := m.Store64(virt, uint64(virt)); err != nil {
				return err
			}
			want = uint64(virt)
		}
		v, err := m.Load64(virt)
		if err != nil {
			return err
		}
		if v != want {
			return fmt.Errorf("read %#x at %v, want %#x", v, virt, want)
		}
	}

	fmt.Fprintf(w, "address space %v, %d tables\n", as, as.Tables())
	as.Walk(func(virt hostarch.Addr, pte pagetables.PTE, size uint64) bool {
		if virt.IsUpperHalf() && !c.all {
			return false
		}
		fmt.Fprintf(w, "%v -> %v %#x %v %s\n", virt, pte.Address(), size, pte.Flags(), pagetables.MemoryTypeOf(pte.Flags()).ShortString())
		return true
	})
	fmt.Fprintf(w, "tlb %+v\n", m.TLBStats())

	if err := k.Spaces.Switch(k.Spaces.Kernel()); err != nil {
		return err
	}
	if c.contiguous {
		if _, err := k.Spaces.UnmapRange(as, base, length); err != nil {
			return err
		}
		if err := k.Frames.FreeFrames(run, uint64(c.pages)); err != nil {
			return err
		}
	} else {
		for i := 0; i < c.pages; i++ {
			if _, err := k.UnmapFree(as, base+hostarch.Addr(i)*hostarch.PageSize); err != nil {
				return err
			}
		}
	}
	return k.Spaces.Destroy(as)
}
