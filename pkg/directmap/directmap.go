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

// Package directmap implements the higher-half direct map (HHDM) through which
// all physical memory is reachable at a fixed offset.
//
// Physical addresses (hostarch.PhysAddr) cannot be dereferenced. Window.Map is
// the single conversion from a physical address to a MappedAddr, and only
// MappedAddr values are accepted by the accessors below.
package directmap

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/hostarch"
)

// MappedAddr is a virtual address inside the direct map.
type MappedAddr uintptr

// String implements fmt.Stringer.String.
func (m MappedAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(m))
}

// Window is a direct map of physical memory [0, Size()) at Offset().
type Window struct {
	offset hostarch.Addr

	// mem backs physical address zero through len(mem).
	mem []byte
}

// New returns a window mapping mem at offset. offset must be page aligned and
// the window must not wrap around the address space.
func New(offset hostarch.Addr, mem []byte) (*Window, error) {
	if !offset.IsPageAligned() {
		return nil, fmt.Errorf("direct map offset %v is not page aligned", offset)
	}
	if len(mem) == 0 || len(mem)%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("direct map size %#x is not a non-zero multiple of the page size", len(mem))
	}
	if _, ok := offset.AddLength(uint64(len(mem))); !ok {
		return nil, fmt.Errorf("direct map [%v, +%#x) wraps around", offset, len(mem))
	}
	return &Window{offset: offset, mem: mem}, nil
}

// Offset returns the virtual address of physical address zero.
func (w *Window) Offset() hostarch.Addr {
	return w.offset
}

// Size returns the number of bytes of physical memory reachable through w.
func (w *Window) Size() uint64 {
	return uint64(len(w.mem))
}

// Map converts a physical address to its direct map address.
func (w *Window) Map(p hostarch.PhysAddr) (MappedAddr, error) {
	if uint64(p) >= w.Size() {
		return 0, fmt.Errorf("physical address %v is beyond the direct map (size %#x)", p, w.Size())
	}
	return MappedAddr(w.offset) + MappedAddr(p), nil
}

// MustMap is like Map, but panics on failure. It is used for addresses whose
// validity is an invariant of the caller, such as table addresses read back
// from entries the caller installed.
func (w *Window) MustMap(p hostarch.PhysAddr) MappedAddr {
	m, err := w.Map(p)
	if err != nil {
		panic(err)
	}
	return m
}

// Phys converts a direct map address back to a physical address.
func (w *Window) Phys(m MappedAddr) hostarch.PhysAddr {
	return hostarch.PhysAddr(w.index(m, 1))
}

// Contains returns true if [p, p+n) is reachable through w.
func (w *Window) Contains(p hostarch.PhysAddr, n uint64) bool {
	end := uint64(p) + n
	return end >= uint64(p) && end <= w.Size()
}

// Bytes returns the n bytes at m.
func (w *Window) Bytes(m MappedAddr, n uint64) []byte {
	i := w.index(m, n)
	return w.mem[i : i+n : i+n]
}

// Zero clears the n bytes at m.
func (w *Window) Zero(m MappedAddr, n uint64) {
	clear(w.Bytes(m, n))
}

// index returns the offset of m into mem, checking that n bytes fit.
func (w *Window) index(m MappedAddr, n uint64) uint64 {
	if hostarch.Addr(m) < w.offset {
		panic(fmt.Sprintf("address %v below direct map at %v", m, w.offset))
	}
	i := uint64(hostarch.Addr(m) - w.offset)
	if end := i + n; end < i || end > w.Size() {
		panic(fmt.Sprintf("range [%v, +%#x) outside direct map of size %#x", m, n, w.Size()))
	}
	return i
}
