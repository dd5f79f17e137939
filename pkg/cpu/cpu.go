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

// Package cpu describes the processor operations the memory subsystem needs:
// the page table base register, single address invalidation, model specific
// registers and CPUID.
package cpu

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
)

// In is the input to CPUID.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is the output of CPUID.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// CPU is one processor.
type CPU interface {
	// ReadCR3 returns the page table base register.
	ReadCR3() uint64

	// WriteCR3 loads the page table base register. This discards all
	// non-global cached translations.
	WriteCR3(cr3 uint64)

	// Invlpg discards the cached translation for the page containing virt.
	Invlpg(virt hostarch.Addr)

	// ReadMSR reads a model specific register.
	ReadMSR(msr uint32) (uint64, error)

	// WriteMSR writes a model specific register.
	WriteMSR(msr uint32, value uint64) error

	// CPUID executes the CPUID instruction.
	CPUID(in In) Out
}

// Halter is implemented by processors that can be stopped for good.
type Halter interface {
	// Halt stops the processor. reason is recorded for diagnostics.
	Halt(reason string)
}

// Model specific registers.
const (
	// MSREFER is the extended feature enable register.
	MSREFER uint32 = 0xc0000080
)

// EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// CPUID leaves and bits.
const (
	// ExtendedFeatures is the extended processor info and feature bits leaf.
	ExtendedFeatures uint32 = 0x80000001

	// ExtendedFeatureNX is the EDX bit of ExtendedFeatures reporting the
	// no-execute page protection.
	ExtendedFeatureNX uint32 = 1 << 20
)

// SupportsNX returns true if c reports the no-execute feature.
func SupportsNX(c CPU) bool {
	return c.CPUID(In{Eax: ExtendedFeatures}).Edx&ExtendedFeatureNX != 0
}

// NXEnabled returns true if no-execute is enabled in EFER.
func NXEnabled(c CPU) bool {
	efer, err := c.ReadMSR(MSREFER)
	return err == nil && efer&EFERNXE != 0
}

// EnableNX sets EFER.NXE. It returns memerr.ErrUnsupportedFeature, without
// touching EFER, if the processor does not report the feature. Enabling it
// again is a no-op.
func EnableNX(c CPU) error {
	if !SupportsNX(c) {
		return fmt.Errorf("no-execute pages: %w", memerr.ErrUnsupportedFeature)
	}
	efer, err := c.ReadMSR(MSREFER)
	if err != nil {
		return fmt.Errorf("reading EFER: %w", err)
	}
	if efer&EFERNXE != 0 {
		return nil
	}
	if err := c.WriteMSR(MSREFER, efer|EFERNXE); err != nil {
		return fmt.Errorf("writing EFER: %w", err)
	}
	log.Debugf("cpu: EFER %#x -> %#x", efer, efer|EFERNXE)
	return nil
}

// Static is a fixed CPUID function.
type Static map[In]Out

// Query returns the output for in, or zeroes for unknown leaves.
func (s Static) Query(in In) Out {
	return s[in]
}

// SetNX sets or clears the no-execute feature bit.
func (s Static) SetNX(supported bool) Static {
	in := In{Eax: ExtendedFeatures}
	out := s[in]
	if supported {
		out.Edx |= ExtendedFeatureNX
	} else {
		out.Edx &^= ExtendedFeatureNX
	}
	s[in] = out
	return s
}
