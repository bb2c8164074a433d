// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types handled by the quantized
// matmul: low-bit integer operands, integer accumulators, float scales and outputs.
//
// It is a reduced fork of GoMLX's dtypes package, with the sub-byte Int4 type promoted to a
// first-class citizen.
package dtypes

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Parse returns the DType for the given name (case-insensitive, aliases accepted).
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	switch dtype {
	case Int4:
		return 4
	case Int8, Uint8:
		return 8
	case Float16, BFloat16:
		return 16
	case Int32, Float32:
		return 32
	case Int64, Uint64:
		return 64
	case InvalidDType:
		return 0
	default:
		panicf("dtype %s not supported", dtype)
		return 0
	}
}

// Size returns the number of bytes for the given DType, or 0 if the dtype uses fraction(s) of bytes.
// If the size is 0 (like a 4-bits quantity), consider the Bits or SizeForDimensions method.
func (dtype DType) Size() int {
	return dtype.Bits() / 8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
// Sub-byte types are rounded up to a whole byte.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("dim cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return (numElements*dtype.Bits() + 7) / 8
}

// ElementsForBytes converts a number of bytes to a number of elements of dtype.
// This is how byte budgets of the on-chip buffers turn into block extents.
func (dtype DType) ElementsForBytes(bytes int) int {
	return bytes * 8 / dtype.Bits()
}

// IsFloat returns whether dtype is one of the float types.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16 || dtype == BFloat16
}

// IsFloat16 returns whether dtype is a float with 16 bits: [Float16] or [BFloat16].
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsSubByte returns whether dtype packs more than one element per byte.
func (dtype DType) IsSubByte() bool {
	return dtype.Bits() < 8 && dtype != InvalidDType
}

// IsPackedFloat32 returns whether the dtype is a 64-bit integer used to carry a float32
// bit pattern in its low 32 bits (a common format for quantization scales).
func (dtype DType) IsPackedFloat32() bool {
	return dtype == Int64 || dtype == Uint64
}
