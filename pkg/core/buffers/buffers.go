// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers holds Buffer, a shape plus its flat data, used as the "global memory"
// operands handed to the kernel.
package buffers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/x448/float16"
)

// Buffer holds a shape and a reference to the flat data.
//
// The flat data is always a slice of the Go type matching shape.DType, except for Int4,
// which is stored packed as []uint8 with two values per byte (low nibble first).
type Buffer struct {
	shape shapes.Shape

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// New allocates a zero-filled buffer for the given shape.
func New(shape shapes.Shape) *Buffer {
	n := shape.Size()
	var flat any
	switch shape.DType {
	case dtypes.Int4, dtypes.Uint8:
		flat = make([]uint8, shape.Memory())
	case dtypes.Int8:
		flat = make([]int8, n)
	case dtypes.Int32:
		flat = make([]int32, n)
	case dtypes.Int64:
		flat = make([]int64, n)
	case dtypes.Uint64:
		flat = make([]uint64, n)
	case dtypes.Float16:
		flat = make([]float16.Float16, n)
	case dtypes.BFloat16:
		flat = make([]bfloat16.BFloat16, n)
	case dtypes.Float32:
		flat = make([]float32, n)
	default:
		exceptions.Panicf("buffers.New(%s): dtype not supported", shape)
	}
	return &Buffer{shape: shape, flat: flat}
}

// FromFlat wraps flat (not copied) in a buffer with the given dimensions.
// The dtype is inferred from the Go type; use FromInt4 for packed 4-bit values.
func FromFlat[T int8 | int32 | int64 | uint64 | float32 | float16.Float16 | bfloat16.BFloat16](flat []T, dimensions ...int) *Buffer {
	var dtype dtypes.DType
	switch any(flat).(type) {
	case []int8:
		dtype = dtypes.Int8
	case []int32:
		dtype = dtypes.Int32
	case []int64:
		dtype = dtypes.Int64
	case []uint64:
		dtype = dtypes.Uint64
	case []float32:
		dtype = dtypes.Float32
	case []float16.Float16:
		dtype = dtypes.Float16
	case []bfloat16.BFloat16:
		dtype = dtypes.BFloat16
	}
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("buffers.FromFlat: shape %s has %d elements, but flat has %d", shape, shape.Size(), len(flat))
	}
	return &Buffer{shape: shape, flat: flat}
}

// FromInt4 packs values (each in [-8, 7]) into an Int4 buffer with the given dimensions.
func FromInt4(values []int8, dimensions ...int) *Buffer {
	shape := shapes.Make(dtypes.Int4, dimensions...)
	if shape.Size() != len(values) {
		exceptions.Panicf("buffers.FromInt4: shape %s has %d elements, but got %d values", shape, shape.Size(), len(values))
	}
	return &Buffer{shape: shape, flat: PackInt4(values)}
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Flat returns the underlying flat slice.
func (b *Buffer) Flat() any { return b.flat }

// Size returns the number of elements of the buffer.
func (b *Buffer) Size() int { return b.shape.Size() }

// Ok returns whether the buffer is non-nil. Absent optional operands are nil buffers.
func (b *Buffer) Ok() bool { return b != nil }

// Flat returns the flat slice of b as []T, and panics if the buffer holds another type.
func Flat[T any](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		exceptions.Panicf("buffers.Flat: buffer %s doesn't hold a %T", b.shape, flat)
	}
	return flat
}

// PackInt4 packs signed 4-bit values, two per byte, low nibble first.
func PackInt4(values []int8) []uint8 {
	packed := make([]uint8, (len(values)+1)/2)
	for ii, v := range values {
		if v < -8 || v > 7 {
			exceptions.Panicf("buffers.PackInt4: value %d at position %d out of range [-8, 7]", v, ii)
		}
		nibble := uint8(v) & 0x0f
		if ii%2 == 1 {
			nibble <<= 4
		}
		packed[ii/2] |= nibble
	}
	return packed
}

// UnpackInt4 unpacks len(dst) signed 4-bit values starting at element `start` of packed.
func UnpackInt4(packed []uint8, start int, dst []int8) {
	for ii := range dst {
		pos := start + ii
		nibble := packed[pos/2]
		if pos%2 == 1 {
			nibble >>= 4
		}
		// Sign extend the 4 bits.
		dst[ii] = int8(nibble<<4) >> 4
	}
}

// LoadFloat32 converts len(dst) elements starting at offset to float32 into dst.
//
// Int64 and Uint64 buffers are interpreted as carrying a float32 bit pattern in their low 32 bits.
func (b *Buffer) LoadFloat32(dst []float32, offset int) {
	n := len(dst)
	switch flat := b.flat.(type) {
	case []float32:
		copy(dst, flat[offset:offset+n])
	case []bfloat16.BFloat16:
		for ii, v := range flat[offset : offset+n] {
			dst[ii] = v.Float32()
		}
	case []float16.Float16:
		for ii, v := range flat[offset : offset+n] {
			dst[ii] = v.Float32()
		}
	case []int32:
		for ii, v := range flat[offset : offset+n] {
			dst[ii] = float32(v)
		}
	case []int64:
		for ii, v := range flat[offset : offset+n] {
			dst[ii] = math.Float32frombits(uint32(v))
		}
	case []uint64:
		for ii, v := range flat[offset : offset+n] {
			dst[ii] = math.Float32frombits(uint32(v))
		}
	default:
		exceptions.Panicf("Buffer.LoadFloat32: dtype %s not supported", b.shape.DType)
	}
}

// PackedScales encodes float32 scales into the low 32 bits of uint64 values.
func PackedScales(scales []float32) []uint64 {
	packed := make([]uint64, len(scales))
	for ii, s := range scales {
		packed[ii] = uint64(math.Float32bits(s))
	}
	return packed
}
