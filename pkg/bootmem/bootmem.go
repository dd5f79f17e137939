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

// Package bootmem describes the physical memory map handed over by the
// bootloader.
package bootmem

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
	"jarjarvis.dev/kmem/pkg/hostarch"
)

// Kind is the type of a memory map entry. The values match the Limine boot
// protocol.
type Kind uint32

// Memory map entry kinds.
const (
	Usable Kind = iota
	Reserved
	ACPIReclaimable
	ACPINVS
	BadMemory
	BootloaderReclaimable
	KernelAndModules
	Framebuffer

	numKinds
)

var kindNames = [numKinds]string{
	Usable:                "usable",
	Reserved:              "reserved",
	ACPIReclaimable:       "acpi-reclaimable",
	ACPINVS:               "acpi-nvs",
	BadMemory:             "bad-memory",
	BootloaderReclaimable: "bootloader-reclaimable",
	KernelAndModules:      "kernel-and-modules",
	Framebuffer:           "framebuffer",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (k Kind) MarshalText() ([]byte, error) {
	if k >= numKinds {
		return nil, fmt.Errorf("invalid memory kind %d", uint32(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, name := range kindNames {
		if name == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown memory kind %q", string(b))
}

// Region is one entry of the memory map.
type Region struct {
	Base   hostarch.PhysAddr `toml:"base" json:"base" yaml:"base"`
	Length uint64            `toml:"length" json:"length" yaml:"length"`
	Kind   Kind              `toml:"kind" json:"kind" yaml:"kind"`
}

// End returns the first address past the region. It saturates instead of
// wrapping.
func (r Region) End() hostarch.PhysAddr {
	end := r.Base + hostarch.PhysAddr(r.Length)
	if end < r.Base {
		return ^hostarch.PhysAddr(0)
	}
	return end
}

// Usable returns true if the region is free RAM.
func (r Region) Usable() bool {
	return r.Kind == Usable
}

// Overlaps returns true if r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Length != 0 && o.Length != 0 && r.Base < o.End() && o.Base < r.End()
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) %v", r.Base, r.End(), r.Kind)
}

// Map is a memory map. Entries are not assumed to be sorted or disjoint.
type Map []Region

// Clone returns a copy of m.
func (m Map) Clone() Map {
	return slices.Clone(m)
}

// Sorted returns a copy of m ordered by base address.
func (m Map) Sorted() Map {
	s := m.Clone()
	slices.SortStableFunc(s, func(a, b Region) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	return s
}

// HighestUsableEnd returns the end of the highest usable region, or zero if
// there is none.
func (m Map) HighestUsableEnd() hostarch.PhysAddr {
	var end hostarch.PhysAddr
	for _, r := range m {
		if r.Usable() && r.Length != 0 && r.End() > end {
			end = r.End()
		}
	}
	return end
}

// UsableBytes returns the sum of the lengths of usable regions. Overlapping
// usable regions are counted twice.
func (m Map) UsableBytes() uint64 {
	var n uint64
	for _, r := range m {
		if r.Usable() {
			n += r.Length
		}
	}
	return n
}

// Validate checks that no entry wraps around the physical address space or
// extends beyond the architectural limit.
func (m Map) Validate() error {
	for i, r := range m {
		end := r.Base + hostarch.PhysAddr(r.Length)
		if end < r.Base || end > hostarch.MaxPhysAddr {
			return fmt.Errorf("memory map entry %d (base %v, length %#x) overflows", i, r.Base, r.Length)
		}
		if r.Kind >= numKinds {
			return fmt.Errorf("memory map entry %d has invalid kind %v", i, r.Kind)
		}
	}
	return nil
}

// String implements fmt.Stringer.String.
func (m Map) String() string {
	var b strings.Builder
	for i, r := range m {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.String())
	}
	return b.String()
}

// file is the on-disk form of a memory map.
type file struct {
	Regions []Region `toml:"region" yaml:"region"`
}

// LoadFile reads a memory map from a TOML file with one [[region]] table per
// entry:
//
//	[[region]]
//	base = 0x100000
//	length = 0x7f00000
//	kind = "usable"
//
// Files ending in .yaml or .yml are read as YAML with the same field names,
// and unknown fields are rejected.
func LoadFile(path string) (Map, error) {
	var f file
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		r, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening memory map: %w", err)
		}
		defer r.Close()
		dec := yaml.NewDecoder(r)
		dec.SetStrict(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("decoding memory map %q: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("decoding memory map %q: %w", path, err)
		}
	}
	m := Map(f.Regions)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("memory map %q: %w", path, err)
	}
	return m, nil
}
