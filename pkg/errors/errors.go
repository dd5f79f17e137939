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

// Package errors holds the standardized error definition for the memory
// subsystem.
package errors

import "fmt"

// Kind classifies a memory subsystem failure. Callers branch on the kind, not
// on the message.
type Kind uint16

// Error kinds.
const (
	// KindUnknown is never assigned by this module.
	KindUnknown Kind = iota

	// FrameExhausted means no free physical frame was available.
	FrameExhausted

	// InvalidFrameIndex means a frame address lies outside the managed range.
	InvalidFrameIndex

	// TableAllocationFailed means an intermediate page table could not be
	// allocated.
	TableAllocationFailed

	// UnsupportedFeature means the processor lacks a required capability.
	UnsupportedFeature

	// DoubleFree means a frame was released while already free.
	DoubleFree

	// OutOfMemory means an address space could not be created.
	OutOfMemory

	// NoUsableMemory means the boot memory map describes no usable RAM.
	NoUsableMemory

	// BitmapPlacement means no usable region can hold the frame bitmap.
	BitmapPlacement

	// InvalidArgument means a caller supplied malformed input.
	InvalidArgument

	// HugePageConflict means a walk ran into a huge leaf where a table was
	// required.
	HugePageConflict

	// NotMapped means the virtual address has no present translation.
	NotMapped

	// Busy means the object is still in use.
	Busy
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	FrameExhausted:        "frame exhausted",
	InvalidFrameIndex:     "invalid frame index",
	TableAllocationFailed: "table allocation failed",
	UnsupportedFeature:    "unsupported feature",
	DoubleFree:            "double free",
	OutOfMemory:           "out of memory",
	NoUsableMemory:        "no usable memory",
	BitmapPlacement:       "bitmap placement",
	InvalidArgument:       "invalid argument",
	HugePageConflict:      "huge page conflict",
	NotMapped:             "not mapped",
	Busy:                  "busy",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Error represents a memory subsystem failure with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the failure classification.
func (e *Error) Kind() Kind { return e.kind }

// Is implements the errors.Is hook. Two *Error values match when they have
// the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}
