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

// Package memerr contains the memory subsystem error values exported as error
// interface pointers, so callers can compare them with errors.Is.
package memerr

import (
	stderrors "errors"

	"jarjarvis.dev/kmem/pkg/errors"
)

// Errors returned by the frame allocator and the address space manager.
var (
	ErrFrameExhausted        = errors.New(errors.FrameExhausted, "no free physical frame")
	ErrInvalidFrameIndex     = errors.New(errors.InvalidFrameIndex, "frame address outside the managed range")
	ErrTableAllocationFailed = errors.New(errors.TableAllocationFailed, "page table allocation failed")
	ErrUnsupportedFeature    = errors.New(errors.UnsupportedFeature, "processor feature not supported")
	ErrDoubleFree            = errors.New(errors.DoubleFree, "frame is already free")
	ErrOutOfMemory           = errors.New(errors.OutOfMemory, "out of memory")
	ErrNoUsableMemory        = errors.New(errors.NoUsableMemory, "memory map has no usable memory")
	ErrBitmapPlacement       = errors.New(errors.BitmapPlacement, "no usable region can hold the frame bitmap")
	ErrInvalidArgument       = errors.New(errors.InvalidArgument, "invalid argument")
	ErrHugePageConflict      = errors.New(errors.HugePageConflict, "huge page in the way of a table walk")
	ErrNotMapped             = errors.New(errors.NotMapped, "address is not mapped")
	ErrBusy                  = errors.New(errors.Busy, "resource is busy")
)

// KindOf returns the kind of the first *errors.Error in err's chain, or
// errors.KindUnknown.
func KindOf(err error) errors.Kind {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Kind()
	}
	return errors.KindUnknown
}
