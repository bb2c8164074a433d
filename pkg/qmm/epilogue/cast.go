// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package epilogue

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
)

// CastInt8 rounds to nearest even and saturates to the Int8 range. NaN maps to 0.
func CastInt8(v float32) int8 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	r := math.RoundToEven(float64(v))
	return int8(min(max(r, math.MinInt8), math.MaxInt8))
}

// Store casts a rows x cols block of values (row-major, stride cols) to the dtype of dst and
// writes it at flat index base of dst, with row stride dstStride.
//
// dst is one of []float32, []float16.Float16, []bfloat16.BFloat16 or []int8. For Int8 outputs,
// offset (length 1 or cols) is the zero-point added before the cast; it is ignored otherwise.
func Store(dst any, base, dstStride, rows, cols int, values, offset []float32) {
	switch d := dst.(type) {
	case []float32:
		for r := range rows {
			copy(d[base+r*dstStride:base+r*dstStride+cols], values[r*cols:(r+1)*cols])
		}
	case []float16.Float16:
		for r := range rows {
			out := d[base+r*dstStride:]
			for c, v := range values[r*cols : (r+1)*cols] {
				out[c] = float16.Fromfloat32(v)
			}
		}
	case []bfloat16.BFloat16:
		for r := range rows {
			out := d[base+r*dstStride:]
			for c, v := range values[r*cols : (r+1)*cols] {
				out[c] = bfloat16.FromFloat32(v)
			}
		}
	case []int8:
		for r := range rows {
			out := d[base+r*dstStride:]
			for c, v := range values[r*cols : (r+1)*cols] {
				switch len(offset) {
				case 0:
				case 1:
					v += offset[0]
				default:
					v += offset[c]
				}
				out[c] = CastInt8(v)
			}
		}
	default:
		exceptions.Panicf("epilogue.Store: output type %T not supported", dst)
	}
}
