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

package cpu

import (
	"errors"
	"fmt"
	"testing"

	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
)

type fakeCPU struct {
	cpuid  Static
	efer   uint64
	writes int
}

func (c *fakeCPU) ReadCR3() uint64      { return 0 }
func (c *fakeCPU) WriteCR3(uint64)      {}
func (c *fakeCPU) Invlpg(hostarch.Addr) {}
func (c *fakeCPU) CPUID(in In) Out      { return c.cpuid.Query(in) }
func (c *fakeCPU) ReadMSR(msr uint32) (uint64, error) {
	if msr != MSREFER {
		return 0, fmt.Errorf("unknown MSR %#x", msr)
	}
	return c.efer, nil
}

func (c *fakeCPU) WriteMSR(msr uint32, v uint64) error {
	if msr != MSREFER {
		return fmt.Errorf("unknown MSR %#x", msr)
	}
	c.efer = v
	c.writes++
	return nil
}

func TestEnableNX(t *testing.T) {
	c := &fakeCPU{cpuid: Static{}.SetNX(true), efer: EFERLME | EFERLMA}
	if NXEnabled(c) {
		t.Fatalf("NXEnabled before EnableNX")
	}
	for i := 0; i < 2; i++ {
		if err := EnableNX(c); err != nil {
			t.Fatalf("EnableNX failed: %v", err)
		}
	}
	if want := EFERLME | EFERLMA | EFERNXE; c.efer != want {
		t.Errorf("EFER = %#x, want %#x", c.efer, want)
	}
	if c.writes != 1 {
		t.Errorf("EFER written %d times, want once", c.writes)
	}
	if !NXEnabled(c) {
		t.Errorf("NXEnabled = false after EnableNX")
	}
}

func TestEnableNXUnsupported(t *testing.T) {
	c := &fakeCPU{cpuid: Static{}.SetNX(true).SetNX(false), efer: EFERLME}
	if SupportsNX(c) {
		t.Fatalf("SupportsNX = true")
	}
	if err := EnableNX(c); !errors.Is(err, memerr.ErrUnsupportedFeature) {
		t.Errorf("EnableNX err = %v, want %v", err, memerr.ErrUnsupportedFeature)
	}
	if c.writes != 0 || c.efer != EFERLME {
		t.Errorf("EFER modified on unsupported hardware: %#x", c.efer)
	}
}
