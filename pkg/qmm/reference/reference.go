// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reference computes quantized batched matmuls directly in float64, without tiling.
// It is the ground truth the tiled execution is tested against.
package reference

import (
	"math"

	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
)

// Operands are the inputs of the computation. Optional operands are nil.
type Operands struct {
	X1, X2                           *buffers.Buffer
	X2Scale, X1Scale, Bias, X2Offset *buffers.Buffer
}

// Result holds the [batchC, M, N] values after the activation (Values) and before it
// (PreActivation), both before the output cast and zero-point offset.
type Result struct {
	Values, PreActivation []float64
}

// Compute evaluates the matmul described by d.
func Compute(d *analysis.Descriptor, ops Operands) Result {
	a, b := intValues(ops.X1), intValues(ops.X2)
	x2Scale, x1Scale := floatValues(ops.X2Scale), floatValues(ops.X1Scale)
	bias := floatValues(ops.Bias)
	m, k, n := d.M, d.K, d.N
	batchC := d.BatchCTotal()
	res := Result{
		Values:        make([]float64, batchC*m*n),
		PreActivation: make([]float64, batchC*m*n),
	}

	at := func(batch, row, col int) float64 {
		if d.TransA {
			return float64(a[batch*m*k+col*m+row])
		}
		return float64(a[batch*m*k+row*k+col])
	}
	bt := func(batch, row, col int) float64 {
		if d.TransB {
			return float64(b[batch*k*n+col*k+row])
		}
		return float64(b[batch*k*n+row*n+col])
	}
	kGroups := d.KGroups()
	groupScale := func(kg, col int) float64 {
		nGroups, ng := (n+d.GroupN-1)/d.GroupN, col/d.GroupN
		if d.TransB {
			return x2Scale[ng*kGroups+kg]
		}
		return x2Scale[kg*nGroups+ng]
	}
	blockScale := func(row, kg int) float64 {
		mGroups, mg := (m+d.GroupM-1)/d.GroupM, row/d.GroupM
		if d.TransA {
			return x1Scale[kg*mGroups+mg]
		}
		return x1Scale[mg*kGroups+kg]
	}

	for c := range batchC {
		bA, bB := broadcast(d, c)
		for row := range m {
			for col := range n {
				var v float64
				if d.Granularity.IsStaged() {
					for kg := range kGroups {
						var sum float64
						for kk := kg * d.GroupK; kk < (kg+1)*d.GroupK; kk++ {
							sum += at(bA, row, kk) * bt(bB, kk, col)
						}
						s := groupScale(kg, col)
						if d.Granularity == analysis.PerBlock {
							s *= blockScale(row, kg)
						}
						v += sum * s
					}
				} else {
					var sum float64
					for kk := range k {
						sum += at(bA, row, kk) * bt(bB, kk, col)
					}
					if d.HasBias && d.BiasDType == dtypes.Int32 {
						sum += bias[biasIndex(d, c, col)]
					}
					s := x2Scale[0]
					if len(x2Scale) > 1 {
						s = x2Scale[col]
					}
					if d.DoubleScale {
						s *= x1Scale[0]
					}
					v = sum * s
				}
				if d.PerToken {
					idx := row
					if d.PerTokenBatched {
						idx += bA * m
					}
					v *= x1Scale[idx]
				}
				if d.HasBias && d.BiasDType != dtypes.Int32 {
					v += bias[biasIndex(d, c, col)]
				}
				out := (c*m+row)*n + col
				res.PreActivation[out] = v
				res.Values[out] = activate(d.Activation, v)
			}
		}
	}
	return res
}

func biasIndex(d *analysis.Descriptor, batch, col int) int {
	if d.BiasThreeDim {
		return batch*d.N + col
	}
	return col
}

func activate(activation analysis.Activation, x float64) float64 {
	switch activation {
	case analysis.ActivationGeluTanh:
		return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
	case analysis.ActivationGeluErf:
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	}
	return x
}

// broadcast returns the x1 and x2 batch indices read by output batch c.
func broadcast(d *analysis.Descriptor, c int) (batchA, batchB int) {
	var idx [analysis.MaxBatchDims]int
	for i := analysis.MaxBatchDims - 1; i >= 0; i-- {
		idx[i] = c % d.BatchC[i]
		c /= d.BatchC[i]
	}
	for i := range analysis.MaxBatchDims {
		ia, ib := idx[i], idx[i]
		if d.BatchA[i] == 1 {
			ia = 0
		}
		if d.BatchB[i] == 1 {
			ib = 0
		}
		batchA = batchA*d.BatchA[i] + ia
		batchB = batchB*d.BatchB[i] + ib
	}
	return
}

func intValues(b *buffers.Buffer) []int8 {
	if b.DType() == dtypes.Int4 {
		values := make([]int8, b.Size())
		buffers.UnpackInt4(buffers.Flat[uint8](b), 0, values)
		return values
	}
	return buffers.Flat[int8](b)
}

func floatValues(b *buffers.Buffer) []float64 {
	if !b.Ok() {
		return nil
	}
	if b.DType() == dtypes.Int32 {
		flat := buffers.Flat[int32](b)
		values := make([]float64, len(flat))
		for i, v := range flat {
			values[i] = float64(v)
		}
		return values
	}
	f32 := make([]float32, b.Size())
	b.LoadFloat32(f32, 0)
	values := make([]float64, len(f32))
	for i, v := range f32 {
		values[i] = float64(v)
	}
	return values
}
