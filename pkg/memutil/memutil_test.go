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

package memutil

import "testing"

func TestNewSharedMemory(t *testing.T) {
	const size = 4 * 4096
	m, err := NewSharedMemory("memutil-test", size)
	if err != nil {
		t.Fatalf("NewSharedMemory failed: %v", err)
	}
	defer UnmapSlice(m)

	if len(m) != size {
		t.Fatalf("len = %d, want %d", len(m), size)
	}
	for i, b := range m {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	m[size-1] = 0xaa
	if m[size-1] != 0xaa {
		t.Errorf("write did not stick")
	}
}

func TestNewSharedMemoryZeroSize(t *testing.T) {
	if _, err := NewSharedMemory("memutil-test", 0); err == nil {
		t.Errorf("NewSharedMemory(0) succeeded, want error")
	}
}
