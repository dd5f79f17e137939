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
	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/kheap"
	"jarjarvis.dev/kmem/pkg/kmem"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/machine"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	halt      bool
	heapPages int
}

// bootState is what "boot" prints.
type bootState struct {
	MemoryMap   bootmem.Map      `json:"memory_map"`
	UsableBytes uint64           `json:"usable_bytes"`
	Kernel      kmem.Stats       `json:"kernel"`
	TLB         machine.TLBStats `json:"tlb"`
	HeapBytes   uint64           `json:"heap_bytes,omitempty"`
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the memory core on a simulated machine and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the memory core and print the memory map and allocator state as JSON
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.halt, "halt-on-failure", false, "halt the processor and panic if boot fails, as the kernel does.")
	f.IntVar(&b.heapPages, "heap-pages", 0, "grow the kernel heap by this many pages after boot.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := b.run(conf, os.Stdout); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// run boots a machine described by conf and writes its state to w.
func (b *Boot) run(conf *config.Config, w io.Writer) error {
	m, err := machine.New(conf.Machine)
	if err != nil {
		return fmt.Errorf("creating machine: %w", err)
	}
	defer m.Close()

	var k *kmem.Kernel
	if b.halt {
		k = kmem.MustBoot(m.MemoryMap(), m.Window(), m, kmemOptions(conf))
	} else {
		k, err = kmem.Boot(m.MemoryMap(), m.Window(), m, kmemOptions(conf))
		if err != nil {
			return fmt.Errorf("booting: %w", err)
		}
	}
	log.Debugf("Boot complete: %+v", k.Stats())

	var heapBytes uint64
	if b.heapPages > 0 {
		h, err := kheap.New(k, kheap.DefaultBase, conf.Machine.RAMBytes)
		if err != nil {
			return fmt.Errorf("creating heap: %w", err)
		}
		if _, err := h.Grow(b.heapPages); err != nil {
			return fmt.Errorf("growing heap: %w", err)
		}
		heapBytes = h.Size()
	}

	state := bootState{
		MemoryMap:   m.MemoryMap(),
		UsableBytes: m.MemoryMap().UsableBytes(),
		Kernel:      k.Stats(),
		TLB:         m.TLBStats(),
		HeapBytes:   heapBytes,
	}
	if err := util.WriteJSON(w, state); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}
