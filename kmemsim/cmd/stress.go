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
	"math/rand"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"jarjarvis.dev/kmem/kmemsim/cmd/util"
	"jarjarvis.dev/kmem/kmemsim/config"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/kmem"
	"jarjarvis.dev/kmem/pkg/log"
	"jarjarvis.dev/kmem/pkg/machine"
	"jarjarvis.dev/kmem/pkg/pagetables"
	"jarjarvis.dev/kmem/pkg/vmm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	machines int
	ops      int
	seed     int64
	parallel int
}

// stressResult summarizes one machine's run.
type stressResult struct {
	Machine  int        `json:"machine"`
	Seed     int64      `json:"seed"`
	Ops      int        `json:"ops"`
	Allocs   int        `json:"allocs"`
	Maps     int        `json:"maps"`
	Spaces   int        `json:"spaces"`
	Switches int        `json:"switches"`
	Stats    kmem.Stats `json:"stats"`
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random operations on independent machines and check invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - boot several machines in parallel and run random allocate, free, map, unmap, switch and destroy operations on each
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.machines, "machines", 4, "number of independent machines.")
	f.IntVar(&s.ops, "ops", 2000, "number of operations per machine.")
	f.Int64Var(&s.seed, "seed", 1, "random seed. Machine i uses seed+i.")
	f.IntVar(&s.parallel, "parallel", runtime.NumCPU(), "maximum number of machines running at once.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.machines <= 0 || s.ops < 0 || s.parallel <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	results, err := s.run(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := util.WriteJSON(os.Stdout, results); err != nil {
		return util.Errorf("writing results: %v", err)
	}
	return subcommands.ExitSuccess
}

// run stresses s.machines machines, each with its own copy of conf.
func (s *Stress) run(ctx context.Context, conf *config.Config) ([]stressResult, error) {
	results := make([]stressResult, s.machines)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i := 0; i < s.machines; i++ {
		i := i
		c := conf.Clone()
		g.Go(func() error {
			st := newStresser(i, s.seed+int64(i))
			res, err := st.run(ctx, c, s.ops)
			if err != nil {
				return fmt.Errorf("machine %d (seed %d): %w", i, st.seed, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// stressPages is the number of distinct lower half pages stress maps.
const stressPages = 256

// stressBase is the first page stress maps.
const stressBase = hostarch.Addr(0x7f0000000000)

// space is an address space under test and the pages mapped in it.
type space struct {
	as     *vmm.AddressSpace
	mapped map[hostarch.Addr]hostarch.PhysAddr
}

// stresser drives one machine.
type stresser struct {
	id   int
	seed int64
	rng  *rand.Rand

	m      *machine.Machine
	k      *kmem.Kernel
	frames map[hostarch.PhysAddr]struct{}
	spaces []*space
	res    stressResult
}

func newStresser(id int, seed int64) *stresser {
	return &stresser{
		id:     id,
		seed:   seed,
		rng:    rand.New(rand.NewSource(seed)),
		frames: make(map[hostarch.PhysAddr]struct{}),
		res:    stressResult{Machine: id, Seed: seed},
	}
}

func (s *stresser) run(ctx context.Context, conf *config.Config, ops int) (stressResult, error) {
	m, k, err := newMachine(conf)
	if err != nil {
		return stressResult{}, err
	}
	defer m.Close()
	s.m, s.k = m, k
	baseline := k.Frames.FreeCount()

	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return stressResult{}, err
		}
		if err := s.step(); err != nil {
			return stressResult{}, fmt.Errorf("op %d: %w", i, err)
		}
		if err := s.check(); err != nil {
			return stressResult{}, fmt.Errorf("after op %d: %w", i, err)
		}
		s.res.Ops++
	}

	// Tear everything down. Every frame must come back.
	if err := k.Spaces.Switch(k.Spaces.Kernel()); err != nil {
		return stressResult{}, err
	}
	for len(s.spaces) > 0 {
		if err := s.destroy(0); err != nil {
			return stressResult{}, err
		}
	}
	for p := range s.frames {
		if err := k.Frames.FreeFrame(p); err != nil {
			return stressResult{}, err
		}
		delete(s.frames, p)
	}
	if got := k.Frames.FreeCount(); got != baseline {
		return stressResult{}, fmt.Errorf("%d frames free after teardown, want %d", got, baseline)
	}
	s.res.Stats = k.Stats()
	log.Infof("stress: machine %d done: %+v", s.id, s.res)
	return s.res, nil
}

// step performs one random operation.
func (s *stresser) step() error {
	switch op := s.rng.Intn(100); {
	case op < 20:
		p, err := s.k.Frames.AllocFrame()
		if errors.Is(err, memerr.ErrFrameExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := s.frames[p]; ok {
			return fmt.Errorf("frame %v handed out twice", p)
		}
		s.frames[p] = struct{}{}
		s.res.Allocs++
	case op < 35:
		for p := range s.frames {
			delete(s.frames, p)
			return s.k.Frames.FreeFrame(p)
		}
	case op < 40:
		if len(s.spaces) >= 8 {
			return nil
		}
		as, err := s.k.Spaces.Create()
		if errors.Is(err, memerr.ErrOutOfMemory) {
			return nil
		}
		if err != nil {
			return err
		}
		s.spaces = append(s.spaces, &space{as: as, mapped: make(map[hostarch.Addr]hostarch.PhysAddr)})
		s.res.Spaces++
	case op < 70:
		if len(s.spaces) == 0 {
			return nil
		}
		sp := s.spaces[s.rng.Intn(len(s.spaces))]
		virt := stressBase + hostarch.Addr(s.rng.Intn(stressPages))*hostarch.PageSize
		if _, ok := sp.mapped[virt]; ok {
			return nil
		}
		phys, err := s.k.MapNew(sp.as, virt, pagetables.Writable|pagetables.User)
		if errors.Is(err, memerr.ErrFrameExhausted) || errors.Is(err, memerr.ErrTableAllocationFailed) {
			return nil
		}
		if err != nil {
			return err
		}
		sp.mapped[virt] = phys
		s.res.Maps++
	case op < 85:
		if len(s.spaces) == 0 {
			return nil
		}
		sp := s.spaces[s.rng.Intn(len(s.spaces))]
		for virt := range sp.mapped {
			delete(sp.mapped, virt)
			ok, err := s.k.UnmapFree(sp.as, virt)
			if err == nil && !ok {
				err = fmt.Errorf("%v was not mapped in %v", virt, sp.as)
			}
			return err
		}
	case op < 95:
		if len(s.spaces) == 0 {
			return nil
		}
		sp := s.spaces[s.rng.Intn(len(s.spaces))]
		if err := s.k.Spaces.Switch(sp.as); err != nil {
			return err
		}
		s.res.Switches++
		return s.touch(sp)
	default:
		if len(s.spaces) == 0 {
			return nil
		}
		if err := s.k.Spaces.Switch(s.k.Spaces.Kernel()); err != nil {
			return err
		}
		return s.destroy(s.rng.Intn(len(s.spaces)))
	}
	return nil
}

// touch writes and reads every page of the active space through the MMU.
func (s *stresser) touch(sp *space) error {
	for virt, phys := range sp.mapped {
		got, err := s.m.Translate(virt, machine.Write)
		if err != nil {
			return err
		}
		if got != phys {
			return fmt.Errorf("%v translates to %v, want %v", virt, got, phys)
		}
		if err := s.m.Store64(virt, uint64(phys)); err != nil {
			return err
		}
		if v, err := s.m.Load64(virt); err != nil || v != uint64(phys) {
			return fmt.Errorf("load of %v = %#x, %v, want %#x", virt, v, err, uint64(phys))
		}
	}
	return nil
}

// destroy unmaps and frees everything in space i, then destroys it.
func (s *stresser) destroy(i int) error {
	sp := s.spaces[i]
	for virt := range sp.mapped {
		if _, err := s.k.UnmapFree(sp.as, virt); err != nil {
			return err
		}
	}
	if err := s.k.Spaces.Destroy(sp.as); err != nil {
		return err
	}
	s.spaces = append(s.spaces[:i], s.spaces[i+1:]...)
	return nil
}

// check verifies the allocator and the page tables agree with what the
// stresser believes it holds.
func (s *stresser) check() error {
	st := s.k.Frames.Stats()
	if st.FreeFrames+st.UsedFrames != st.TotalFrames {
		return fmt.Errorf("free %d + used %d != total %d", st.FreeFrames, st.UsedFrames, st.TotalFrames)
	}
	for p := range s.frames {
		if !s.k.Frames.IsAllocated(p) {
			return fmt.Errorf("held frame %v is free", p)
		}
	}
	for _, sp := range s.spaces {
		for virt, phys := range sp.mapped {
			got, _, ok := s.k.Spaces.Lookup(sp.as, virt)
			if !ok || got != phys {
				return fmt.Errorf("%v in %v maps %v, %t, want %v", virt, sp.as, got, ok, phys)
			}
			if !s.k.Frames.IsAllocated(phys) {
				return fmt.Errorf("mapped frame %v is free", phys)
			}
		}
	}
	return nil
}
