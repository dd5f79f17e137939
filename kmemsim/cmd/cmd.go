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

// Package cmd holds implementations of the kmemsim commands.
package cmd

import (
	"fmt"
	"strings"

	"jarjarvis.dev/kmem/kmemsim/config"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/kmem"
	"jarjarvis.dev/kmem/pkg/machine"
	"jarjarvis.dev/kmem/pkg/pagetables"
	"jarjarvis.dev/kmem/pkg/pfa"
	"jarjarvis.dev/kmem/pkg/vmm"
)

// flagsValue is a flag.Value holding page table flags, written as "W|U|NX".
type flagsValue pagetables.Flags

// String implements flag.Value.
func (f *flagsValue) String() string {
	return pagetables.Flags(*f).String()
}

// Get implements flag.Getter.
func (f *flagsValue) Get() any {
	return pagetables.Flags(*f)
}

// Set implements flag.Value.
func (f *flagsValue) Set(s string) error {
	v, err := pagetables.ParseFlags(s)
	if err != nil {
		return err
	}
	*f = flagsValue(v)
	return nil
}

// cacheValue is a flag.Value holding a memory type, written as "wb", "wt" or
// "uc".
type cacheValue hostarch.MemoryType

// String implements flag.Value.
func (c *cacheValue) String() string {
	return strings.ToLower(hostarch.MemoryType(*c).ShortString())
}

// Get implements flag.Getter.
func (c *cacheValue) Get() any {
	return hostarch.MemoryType(*c)
}

// Set implements flag.Value.
func (c *cacheValue) Set(s string) error {
	mt, err := hostarch.ParseMemoryType(s)
	if err != nil {
		return err
	}
	*c = cacheValue(mt)
	return nil
}

// kmemOptions returns the memory core options selected by conf.
func kmemOptions(conf *config.Config) kmem.Options {
	return kmem.Options{
		Frames: pfa.Options{ZeroOnAlloc: conf.ZeroFrames},
		Spaces: vmm.Options{RequireNX: conf.RequireNX},
	}
}

// newMachine creates the machine described by conf and boots the memory core
// on it. The caller must close the machine.
func newMachine(conf *config.Config) (*machine.Machine, *kmem.Kernel, error) {
	m, err := machine.New(conf.Machine)
	if err != nil {
		return nil, nil, fmt.Errorf("creating machine: %w", err)
	}
	k, err := kmem.Boot(m.MemoryMap(), m.Window(), m, kmemOptions(conf))
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("booting: %w", err)
	}
	return m, k, nil
}
