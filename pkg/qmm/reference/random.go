// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reference

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/x448/float16"
)

// RandomOperands creates operands with the shapes of in, filled with deterministic
// pseudo-random values of magnitudes that keep Float16 outputs in range.
func RandomOperands(in analysis.Inputs, seed uint64) Operands {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	ints := func(s shapes.Shape) *buffers.Buffer {
		values := make([]int8, s.Size())
		if s.DType == dtypes.Int4 {
			for i := range values {
				values[i] = int8(rng.IntN(16) - 8)
			}
			return buffers.FromInt4(values, s.Dimensions...)
		}
		for i := range values {
			values[i] = int8(rng.IntN(128) - 64)
		}
		return buffers.FromFlat(values, s.Dimensions...)
	}
	floats := func(s shapes.Shape, low, high float32) *buffers.Buffer {
		if !s.Ok() {
			return nil
		}
		values := make([]float32, s.Size())
		for i := range values {
			values[i] = low + rng.Float32()*(high-low)
		}
		return FloatBuffer(s.DType, values, s.Dimensions...)
	}

	ops := Operands{
		X1:       ints(in.X1),
		X2:       ints(in.X2),
		X2Scale:  floats(in.X2Scale, 0.0005, 0.002),
		X1Scale:  floats(in.X1Scale, 0.5, 1.5),
		X2Offset: floats(in.X2Offset, -4, 4),
	}
	if in.Bias.Ok() {
		if in.Bias.DType == dtypes.Int32 {
			values := make([]int32, in.Bias.Size())
			for i := range values {
				values[i] = int32(rng.IntN(2001) - 1000)
			}
			ops.Bias = buffers.FromFlat(values, in.Bias.Dimensions...)
		} else {
			ops.Bias = floats(in.Bias, -2, 2)
		}
	}
	return ops
}

// FloatBuffer converts values to a buffer of the float dtype. Int64 and Uint64 hold the
// float32 bit patterns in their low 32 bits, like packed scales.
func FloatBuffer(dtype dtypes.DType, values []float32, dimensions ...int) *buffers.Buffer {
	switch dtype {
	case dtypes.Float32:
		return buffers.FromFlat(values, dimensions...)
	case dtypes.Float16:
		flat := make([]float16.Float16, len(values))
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
		return buffers.FromFlat(flat, dimensions...)
	case dtypes.BFloat16:
		flat := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(v)
		}
		return buffers.FromFlat(flat, dimensions...)
	case dtypes.Uint64:
		return buffers.FromFlat(buffers.PackedScales(values), dimensions...)
	case dtypes.Int64:
		packed := buffers.PackedScales(values)
		flat := make([]int64, len(packed))
		for i, v := range packed {
			flat[i] = int64(v)
		}
		return buffers.FromFlat(flat, dimensions...)
	}
	exceptions.Panicf("reference.FloatBuffer: dtype %s not supported", dtype)
	return nil
}
