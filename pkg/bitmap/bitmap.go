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

// Package bitmap provides a bitmap over caller-provided storage.
//
// The storage is typically memory carved out of physical RAM and reached
// through the direct map, so the bitmap never allocates.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed size bitmap. A set bit means "used".
type Bitmap struct {
	// numOnes is the number of ones in [0, size).
	numOnes uint64

	// size is the number of valid bits.
	size uint64

	// bytes holds the bits, least significant bit first. Bits at size and
	// above in the last byte are kept set so scans never report them.
	bytes []byte
}

// BytesFor returns the number of storage bytes needed for size bits.
func BytesFor(size uint64) uint64 {
	return (size + 7) / 8
}

// New creates a Bitmap of size bits on top of storage. The storage contents
// are not interpreted; callers must call Fill or Reset before use.
func New(storage []byte, size uint64) (Bitmap, error) {
	if need := BytesFor(size); uint64(len(storage)) < need {
		return Bitmap{}, fmt.Errorf("bitmap of %d bits needs %d bytes, storage has %d", size, need, len(storage))
	}
	return Bitmap{size: size, bytes: storage[:BytesFor(size)]}, nil
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint64 {
	return b.numOnes
}

// GetNumZeros returns the number of zeros in the bitmap.
func (b *Bitmap) GetNumZeros() uint64 {
	return b.size - b.numOnes
}

// Fill sets every bit.
func (b *Bitmap) Fill() {
	for i := range b.bytes {
		b.bytes[i] = 0xff
	}
	b.numOnes = b.size
}

// tailBits returns the number of padding bits in the last byte.
func (b *Bitmap) tailBits() uint64 {
	return uint64(len(b.bytes))*8 - b.size
}

// sealTail sets the padding bits in the last byte.
func (b *Bitmap) sealTail() {
	if t := b.tailBits(); t != 0 {
		b.bytes[len(b.bytes)-1] |= ^byte(0) << (8 - t)
	}
}

// IsSet returns true if bit i is set. Bits beyond Size read as set.
func (b *Bitmap) IsSet(i uint64) bool {
	if i >= b.size {
		return true
	}
	return b.bytes[i/8]&(1<<(i%8)) != 0
}

// Add sets bit i. It returns false if the bit was already set.
func (b *Bitmap) Add(i uint64) bool {
	b.checkIndex(i)
	byteNum, mask := i/8, byte(1)<<(i%8)
	if b.bytes[byteNum]&mask != 0 {
		return false
	}
	b.bytes[byteNum] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if the bit was already clear.
func (b *Bitmap) Remove(i uint64) bool {
	b.checkIndex(i)
	byteNum, mask := i/8, byte(1)<<(i%8)
	if b.bytes[byteNum]&mask == 0 {
		return false
	}
	b.bytes[byteNum] &^= mask
	b.numOnes--
	return true
}

func (b *Bitmap) checkIndex(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// FirstZero returns the first unset bit in [start, Size()). ok is false if
// there is none.
func (b *Bitmap) FirstZero(start uint64) (bit uint64, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i := start / 8
	// Mask off the bits below start in the first byte.
	v := b.bytes[i] | (byte(1)<<(start%8) - 1)
	for {
		if v != 0xff {
			bit = i*8 + uint64(bits.TrailingZeros8(^v))
			return bit, bit < b.size
		}
		i++
		if i == uint64(len(b.bytes)) {
			return 0, false
		}
		v = b.bytes[i]
	}
}

// FirstZeroRun returns the first bit of the lowest run of n unset bits
// starting at or after start.
func (b *Bitmap) FirstZeroRun(start, n uint64) (bit uint64, ok bool) {
	if n == 0 {
		return 0, false
	}
	for {
		first, ok := b.FirstZero(start)
		if !ok || first+n > b.size {
			return 0, false
		}
		run := uint64(1)
		for run < n && !b.IsSet(first+run) {
			run++
		}
		if run == n {
			return first, true
		}
		start = first + run
	}
}

// ClearRange clears bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint64) {
	b.setRange(begin, end, false)
}

// SetRange sets bits in [begin, end).
func (b *Bitmap) SetRange(begin, end uint64) {
	b.setRange(begin, end, true)
}

func (b *Bitmap) setRange(begin, end uint64, set bool) {
	if end > b.size {
		end = b.size
	}
	for i := begin; i < end; {
		if i%8 == 0 && end-i >= 8 {
			// Whole byte.
			old := uint64(bits.OnesCount8(b.bytes[i/8]))
			if set {
				b.bytes[i/8] = 0xff
				b.numOnes += 8 - old
			} else {
				b.bytes[i/8] = 0
				b.numOnes -= old
			}
			i += 8
			continue
		}
		if set {
			b.Add(i)
		} else {
			b.Remove(i)
		}
		i++
	}
}
