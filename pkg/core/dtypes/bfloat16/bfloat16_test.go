// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloat32Rounding(t *testing.T) {
	// 1 + 2^-8 is exactly halfway between 1 and 1+2^-7: ties to even -> 1.
	assert.Equal(t, float32(1), FromFloat32(1+1.0/256).Float32())
	// 1 + 3*2^-8 is halfway between 1+2^-7 and 1+2^-6: ties to even -> 1+2^-6.
	assert.Equal(t, float32(1+1.0/64), FromFloat32(1+3.0/256).Float32())
	// Slightly above half rounds up, where truncation would not.
	x := math.Float32frombits(0x3f808001)
	assert.Equal(t, BFloat16(0x3f81), FromFloat32(x))

	assert.True(t, math.IsInf(float64(FromFloat32(float32(math.Inf(-1))).Float32()), -1))
	assert.True(t, math.IsNaN(float64(FromFloat32(float32(math.NaN())).Float32())))
	assert.True(t, math.IsInf(float64(FromFloat32(math.MaxFloat32).Float32()), 1))
	assert.Equal(t, "-2.5", FromFloat32(-2.5).String())
}
