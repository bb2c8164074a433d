// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 implements the bfloat16 type with round-to-nearest-even conversion from
// float32, the rounding the vector engine applies when casting epilogue results.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) keeps the sign, the 8 exponent bits and the 7 high
// mantissa bits of a float32.
type BFloat16 uint16

// Float32 widens f to a float32. It is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest value with ties to even.
// NaNs stay NaNs (quiet), infinities stay infinities and values too large overflow to infinity.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if bits&0x7f800000 == 0x7f800000 && bits&0x007fffff != 0 {
		// NaN: keep sign and force a quiet NaN payload that survives truncation.
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	return BFloat16(bits >> 16)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}
