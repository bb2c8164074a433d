// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package epilogue

import (
	"math"
	"testing"

	"github.com/gomlx/qmatmul/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func exactGelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func TestGelu_Tolerance(t *testing.T) {
	var maxTanh, maxErf float64
	for i := -10000; i <= 10000; i++ {
		x := float32(i) / 1000
		want := exactGelu(float64(x))
		maxTanh = max(maxTanh, math.Abs(float64(GeluTanh(x))-want))
		maxErf = max(maxErf, math.Abs(float64(GeluErf(x))-want))
	}
	assert.Less(t, maxTanh, 1e-3)
	assert.Less(t, maxErf, 1e-3)

	// Far outside the range the clamps keep the results finite.
	assert.InDelta(t, 0, GeluTanh(-1000), 1e-3)
	assert.InDelta(t, 1000, GeluTanh(1000), 1e-3)
	assert.InDelta(t, 1000, GeluErf(1000), 1e-3)
	assert.InDelta(t, 0, GeluErf(-1000), 1e-3)
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, DequantOnly, KindFor(false, analysis.ActivationNone))
	assert.Equal(t, DequantBias, KindFor(true, analysis.ActivationNone))
	assert.Equal(t, DequantBiasGeluTanh, KindFor(false, analysis.ActivationGeluTanh))
	assert.Equal(t, DequantBiasGeluErf, KindFor(true, analysis.ActivationGeluErf))
	for k := range NumKinds {
		assert.Equal(t, k, Lookup(k).Kind())
	}
	assert.Panics(t, func() { Lookup(NumKinds) })
	assert.Panics(t, func() { Register(&chain{kind: DequantOnly}) })
}

func TestApply_PerTensorExact(t *testing.T) {
	acc := []int32{1, -2, 3, 100, -128 * 127, 0}
	p := &Params{
		Rows: 2, Cols: 3,
		AccInt32: acc,
		Scale:    []float32{0.5},
		Values:   make([]float32, 6),
	}
	Lookup(DequantOnly).Apply(p)
	for i, a := range acc {
		assert.Equal(t, float32(a)*0.5, p.Values[i])
	}
}

func TestApply_BiasTokenActivation(t *testing.T) {
	p := &Params{
		Rows: 2, Cols: 2,
		AccInt32:      []int32{10, 20, 30, 40},
		Scale:         []float32{1, 2},
		TokenScale:    []float32{1, 0.5},
		BiasInt32:     []int32{1, 2},
		Values:        make([]float32, 4),
		PreActivation: make([]float32, 4),
	}
	Lookup(DequantBias).Apply(p)
	// (acc + bias) * scale[col] * token[row]
	assert.Equal(t, []float32{11, 44, 15.5, 42}, p.Values)
	assert.Equal(t, p.Values, p.PreActivation)

	p.BiasInt32 = nil
	p.Bias = []float32{-1, 1}
	Lookup(DequantBiasGeluErf).Apply(p)
	assert.Equal(t, []float32{9, 41, 14, 41}, p.PreActivation)
	for i, v := range p.PreActivation {
		assert.InDelta(t, exactGelu(float64(v)), p.Values[i], 1e-3)
	}

	// Missing bias is zero for the GELU kinds.
	p.Bias = nil
	p.AccInt32 = nil
	p.AccFloat32 = []float32{-1, 0, 1, 2}
	p.Scale = nil
	p.TokenScale = nil
	Lookup(DequantBiasGeluTanh).Apply(p)
	assert.Equal(t, []float32{-1, 0, 1, 2}, p.PreActivation)
	assert.InDelta(t, exactGelu(2), p.Values[3], 1e-3)
}

func TestStore(t *testing.T) {
	values := []float32{1.5, -2.5, 300, -300, 0.4999, 1e-3}
	i8 := make([]int8, 8)
	Store(i8, 1, 4, 2, 3, values, nil)
	assert.Equal(t, []int8{0, 2, -2, 127, 0, -128, 0, 0}, i8)

	Store(i8, 0, 3, 2, 3, values, []float32{1})
	assert.Equal(t, []int8{2, -2, 127, -128, 1, 1}, i8[:6])

	f32 := make([]float32, 6)
	Store(f32, 0, 3, 2, 3, values, nil)
	assert.Equal(t, values, f32)

	f16 := make([]float16.Float16, 6)
	Store(f16, 0, 3, 2, 3, values, nil)
	assert.Equal(t, float32(-2.5), f16[1].Float32())

	bf16 := make([]bfloat16.BFloat16, 6)
	Store(bf16, 0, 3, 2, 3, values, nil)
	assert.Equal(t, float32(300), bf16[2].Float32())

	require.Panics(t, func() { Store([]int32{0}, 0, 1, 1, 1, values, nil) })
	assert.Equal(t, int8(0), CastInt8(float32(math.NaN())))
}
