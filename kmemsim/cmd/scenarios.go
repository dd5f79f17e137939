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
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"jarjarvis.dev/kmem/kmemsim/cmd/util"
	"jarjarvis.dev/kmem/kmemsim/config"
	"jarjarvis.dev/kmem/pkg/bootmem"
	"jarjarvis.dev/kmem/pkg/directmap"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/machine"
	"jarjarvis.dev/kmem/pkg/memutil"
	"jarjarvis.dev/kmem/pkg/pagetables"
	"jarjarvis.dev/kmem/pkg/pfa"
)

// scenario is an end to end check with a known outcome.
type scenario struct {
	name     string
	synopsis string
	run      func(conf *config.Config) error
}

var scenarios = []scenario{
	{
		name:     "frames",
		synopsis: "boot on 16MB of RAM, allocate three frames, free the second and get it back",
		run:      runFrames,
	},
	{
		name:     "remap",
		synopsis: "map a page twice without unmapping; the second mapping wins and the first frame stays used",
		run:      runRemap,
	},
}

// Scenarios implements subcommands.Command for the "scenarios" command.
type Scenarios struct{}

// Name implements subcommands.Command.Name.
func (*Scenarios) Name() string {
	return "scenarios"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenarios) Synopsis() string {
	return "run end to end scenarios with known outcomes"
}

// Usage implements subcommands.Command.Usage.
func (*Scenarios) Usage() string {
	return `scenarios [name...] - run the named scenarios, or all of them
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenarios) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenarios) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	selected := scenarios
	if f.NArg() > 0 {
		selected = nil
		for _, name := range f.Args() {
			s, ok := lookupScenario(name)
			if !ok {
				return util.Errorf("unknown scenario %q", name)
			}
			selected = append(selected, s)
		}
	}

	failed := 0
	for _, s := range selected {
		if err := s.run(conf.Clone()); err != nil {
			util.Infof("FAIL %s: %v", s.name, err)
			failed++
			continue
		}
		util.Infof("PASS %s: %s", s.name, s.synopsis)
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenarios failed", failed, len(selected))
	}
	return subcommands.ExitSuccess
}

func lookupScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

// runFrames boots the frame allocator alone on one 16MB usable region.
func runFrames(conf *config.Config) error {
	const ram = 16 << 20
	mem, err := memutil.NewSharedMemory("kmemsim-frames", ram)
	if err != nil {
		return err
	}
	defer memutil.UnmapSlice(mem)
	w, err := directmap.New(conf.Machine.DirectMapOffset, mem)
	if err != nil {
		return err
	}
	a, err := pfa.New(bootmem.Map{{Base: 0, Length: ram, Kind: bootmem.Usable}}, w, pfa.Options{})
	if err != nil {
		return err
	}

	// 4096 frames need a 512 byte bitmap, which takes frame 0.
	if a.TotalCount() != 4096 || a.BitmapPhys() != 0 || a.BitmapBytes() != 512 || a.FreeCount() != 4095 {
		return fmt.Errorf("unexpected state after init: %+v", a.Stats())
	}
	var got []hostarch.PhysAddr
	for i := 0; i < 3; i++ {
		p, err := a.AllocFrame()
		if err != nil {
			return err
		}
		got = append(got, p)
	}
	for i, want := range []hostarch.PhysAddr{0x1000, 0x2000, 0x3000} {
		if got[i] != want {
			return fmt.Errorf("allocation %d = %v, want %v", i, got[i], want)
		}
	}
	if err := a.FreeFrame(got[1]); err != nil {
		return err
	}
	if n := a.FreeCount(); n != 4093 {
		return fmt.Errorf("free count %d after free, want 4093", n)
	}
	p, err := a.AllocFrame()
	if err != nil {
		return err
	}
	if p != got[1] {
		return fmt.Errorf("reallocation = %v, want %v", p, got[1])
	}
	return nil
}

// runRemap maps one page to two frames in turn, then reads the result both
// from the tables and through the MMU.
func runRemap(conf *config.Config) error {
	m, k, err := newMachine(conf)
	if err != nil {
		return err
	}
	defer m.Close()

	as, err := k.Spaces.Create()
	if err != nil {
		return err
	}
	const virt = hostarch.Addr(0x10000000)
	if err := k.Spaces.Map(as, virt, 0x200000, pagetables.Present|pagetables.Writable); err != nil {
		return err
	}
	if err := k.Spaces.Switch(as); err != nil {
		return err
	}
	// Load the first translation into the TLB.
	if _, err := m.Translate(virt, machine.Write); err != nil {
		return err
	}
	free := k.Frames.FreeCount()
	if err := k.Spaces.Map(as, virt, 0x300000, pagetables.Present); err != nil {
		return err
	}
	if got := k.Frames.FreeCount(); got != free {
		return fmt.Errorf("remap changed the free frame count from %d to %d", free, got)
	}

	var leaf pagetables.PTE
	as.Walk(func(v hostarch.Addr, pte pagetables.PTE, _ uint64) bool {
		if v == virt {
			leaf = pte
		}
		return v < virt
	})
	if want := pagetables.PTE(0x300000 | pagetables.Present); leaf != want {
		return fmt.Errorf("leaf = %v, want %v", leaf, want)
	}
	if !k.Frames.IsAllocated(0x200000) {
		return fmt.Errorf("frame 0x200000 was freed by the remap")
	}

	// The stale writable translation must be gone.
	if p, err := m.Translate(virt, machine.Read); err != nil || p != 0x300000 {
		return fmt.Errorf("translate(%v) = %v, %v, want 0x300000", virt, p, err)
	}
	var fault *machine.Fault
	if _, err := m.Translate(virt, machine.Write); !errors.As(err, &fault) {
		return fmt.Errorf("write through the read-only mapping: err = %v, want a fault", err)
	}

	if err := k.Spaces.Switch(k.Spaces.Kernel()); err != nil {
		return err
	}
	return k.Spaces.Destroy(as)
}
