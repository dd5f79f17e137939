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
	"os"

	"github.com/google/subcommands"
	"jarjarvis.dev/kmem/kmemsim/cmd/util"
	"jarjarvis.dev/kmem/kmemsim/config"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/pfa"
)

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	frames     uint64
	contiguous bool
}

// allocState is what "alloc" prints.
type allocState struct {
	Frames []hostarch.PhysAddr `json:"frames"`
	Error  string              `json:"error,omitempty"`
	Before pfa.Stats           `json:"before"`
	Held   pfa.Stats           `json:"held"`
	After  pfa.Stats           `json:"after"`
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "allocate and free physical frames"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [flags] - allocate frames after boot, free them again and print allocator statistics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&a.frames, "n", 16, "number of frames to allocate. 0 allocates until memory runs out.")
	f.BoolVar(&a.contiguous, "contiguous", false, "allocate the frames as one physically contiguous run.")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || (a.contiguous && a.frames == 0) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	state, err := a.run(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := util.WriteJSON(os.Stdout, state); err != nil {
		return util.Errorf("writing state: %v", err)
	}
	return subcommands.ExitSuccess
}

// run boots a machine, allocates, then frees everything it got. Running out
// of frames is reported in the state, not as an error.
func (a *Alloc) run(conf *config.Config) (*allocState, error) {
	m, k, err := newMachine(conf)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	state := &allocState{Before: k.Frames.Stats()}
	if a.contiguous {
		p, err := k.Frames.AllocFrames(a.frames)
		if err != nil {
			state.Error = err.Error()
		} else {
			for i := uint64(0); i < a.frames; i++ {
				state.Frames = append(state.Frames, p+hostarch.FrameAddr(i))
			}
		}
		state.Held = k.Frames.Stats()
		if err == nil {
			if err := k.Frames.FreeFrames(p, a.frames); err != nil {
				return nil, fmt.Errorf("freeing %d frames at %v: %w", a.frames, p, err)
			}
		}
		state.After = k.Frames.Stats()
		return state, nil
	}

	for a.frames == 0 || uint64(len(state.Frames)) < a.frames {
		p, err := k.Frames.AllocFrame()
		if errors.Is(err, memerr.ErrFrameExhausted) {
			state.Error = err.Error()
			break
		}
		if err != nil {
			return nil, err
		}
		state.Frames = append(state.Frames, p)
	}
	state.Held = k.Frames.Stats()
	for _, p := range state.Frames {
		if err := k.Frames.FreeFrame(p); err != nil {
			return nil, fmt.Errorf("freeing %v: %w", p, err)
		}
	}
	state.After = k.Frames.Stats()
	return state, nil
}
