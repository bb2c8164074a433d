// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"testing"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInputs() Inputs {
	return Inputs{
		X1:          shapes.Make(dtypes.Int8, 60, 787),
		X2:          shapes.Make(dtypes.Int8, 787, 11),
		X2Scale:     shapes.Make(dtypes.Float32, 1),
		X1Scale:     shapes.Make(dtypes.Float32, 60),
		Bias:        shapes.Make(dtypes.Float32, 11),
		OutputDType: dtypes.BFloat16,
	}
}

func TestAnalyze_PerTensorPerToken(t *testing.T) {
	d, err := Analyze(baseInputs())
	require.NoError(t, err)
	assert.Equal(t, 60, d.M)
	assert.Equal(t, 787, d.K)
	assert.Equal(t, 11, d.N)
	assert.Equal(t, PerTensor, d.Granularity)
	assert.True(t, d.PerToken)
	assert.False(t, d.DoubleScale)
	assert.True(t, d.HasBias)
	assert.Equal(t, dtypes.Float32, d.BiasDType)
	assert.Equal(t, [MaxBatchDims]int{1, 1, 1, 1}, d.BatchC)
	assert.Equal(t, 1, d.BatchCTotal())
	assert.Equal(t, 1, d.KGroups())
}

func TestAnalyze_TransposesAndBatch(t *testing.T) {
	in := baseInputs()
	in.X1 = shapes.Make(dtypes.Int8, 2, 1, 787, 60)
	in.X2 = shapes.Make(dtypes.Int8, 3, 11, 787)
	in.TransposeX1, in.TransposeX2 = true, true
	in.X2Scale = shapes.Make(dtypes.Uint64, 11)
	in.X1Scale = shapes.Make(dtypes.Float32, 1)
	in.Bias = shapes.Make(dtypes.Int32, 6, 1, 11)
	d, err := Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, 60, d.M)
	assert.Equal(t, 11, d.N)
	assert.Equal(t, PerChannel, d.Granularity)
	assert.True(t, d.DoubleScale)
	assert.Equal(t, [MaxBatchDims]int{1, 1, 2, 1}, d.BatchA)
	assert.Equal(t, [MaxBatchDims]int{1, 1, 1, 3}, d.BatchB)
	assert.Equal(t, [MaxBatchDims]int{1, 1, 2, 3}, d.BatchC)
	assert.True(t, d.BiasThreeDim)

	// Folding more than 4 batch axes.
	in.X1 = shapes.Make(dtypes.Int8, 2, 2, 2, 2, 2, 787, 60)
	in.X2 = shapes.Make(dtypes.Int8, 11, 787)
	in.Bias = shapes.Invalid()
	d, err = Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, [MaxBatchDims]int{4, 2, 2, 2}, d.BatchC)
	assert.Equal(t, [MaxBatchDims]int{1, 1, 1, 1}, d.BatchB)

	in.X2 = shapes.Make(dtypes.Int8, 2, 1, 2, 2, 2, 11, 787)
	_, err = Analyze(in)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAnalyze_GroupQuantization(t *testing.T) {
	in := Inputs{
		X1:          shapes.Make(dtypes.Int8, 16, 1024),
		X2:          shapes.Make(dtypes.Int8, 1024, 64),
		X2Scale:     shapes.Make(dtypes.Float32, 8, 64),
		OutputDType: dtypes.Float16,
		GroupSize:   PackGroupSize(0, 0, 128),
	}
	d, err := Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, PerGroup, d.Granularity)
	assert.Equal(t, 8, d.KGroups())
	assert.Equal(t, 128, d.GroupK)

	// Transposed x2 takes a transposed scale.
	in.X2 = shapes.Make(dtypes.Int8, 64, 1024)
	in.TransposeX2 = true
	in.X2Scale = shapes.Make(dtypes.Float32, 64, 8)
	_, err = Analyze(in)
	require.NoError(t, err)

	// Inferred group size.
	in.GroupSize = 0
	d, err = Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, 128, d.GroupK)

	for _, bad := range [][]int{{64, 7}, {8, 64}, {64, 9}} {
		in.X2Scale = shapes.Make(dtypes.Float32, bad...)
		in.GroupSize = PackGroupSize(0, 0, 128)
		_, err = Analyze(in)
		require.ErrorIs(t, err, ErrShapeMismatch, "scale %v", bad)
	}

	in.X2Scale = shapes.Make(dtypes.Float32, 64, 8)
	in.GroupSize = PackGroupSize(0, 0, 100)
	_, err = Analyze(in)
	require.ErrorIs(t, err, ErrAlignment)
}

func TestAnalyze_PerBlock(t *testing.T) {
	in := Inputs{
		X1:          shapes.Make(dtypes.Int8, 200, 256),
		X2:          shapes.Make(dtypes.Int8, 256, 300),
		X2Scale:     shapes.Make(dtypes.Float32, 2, 3),
		X1Scale:     shapes.Make(dtypes.Float32, 2, 2),
		OutputDType: dtypes.BFloat16,
		GroupSize:   PackGroupSize(128, 128, 128),
	}
	d, err := Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, PerBlock, d.Granularity)
	assert.Equal(t, 128, d.GroupM)
	assert.True(t, d.HasX1Scale())

	in.GroupSize = PackGroupSize(1, 128, 128)
	in.X1Scale = shapes.Make(dtypes.Float32, 200, 2)
	d, err = Analyze(in)
	require.NoError(t, err)
	assert.Equal(t, 1, d.GroupM)

	in.GroupSize = PackGroupSize(1, 128, 64)
	_, err = Analyze(in)
	require.Error(t, err)

	in.GroupSize = PackGroupSize(1, 128, 128)
	in.Bias = shapes.Make(dtypes.Int32, 300)
	_, err = Analyze(in)
	require.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestAnalyze_Failures(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(in *Inputs)
		want   error
	}{
		{"mixed operand dtypes", func(in *Inputs) { in.X2.DType = dtypes.Int4 }, ErrUnsupportedDType},
		{"float operands", func(in *Inputs) { in.X1.DType, in.X2.DType = dtypes.Float32, dtypes.Float32 }, ErrUnsupportedDType},
		{"K mismatch", func(in *Inputs) { in.X2 = shapes.Make(dtypes.Int8, 786, 11) }, ErrShapeMismatch},
		{"rank 1", func(in *Inputs) { in.X1 = shapes.Make(dtypes.Int8, 787) }, ErrShapeMismatch},
		{"scale size", func(in *Inputs) { in.X2Scale = shapes.Make(dtypes.Float32, 5) }, ErrShapeMismatch},
		{"missing scale", func(in *Inputs) { in.X2Scale = shapes.Invalid() }, ErrShapeMismatch},
		{"scale dtype", func(in *Inputs) { in.X2Scale.DType = dtypes.Float16 }, ErrUnsupportedDType},
		{"per-token size", func(in *Inputs) { in.X1Scale = shapes.Make(dtypes.Float32, 61) }, ErrShapeMismatch},
		{"bias size", func(in *Inputs) { in.Bias = shapes.Make(dtypes.Float32, 12) }, ErrShapeMismatch},
		{"bf16 bias fp16 out", func(in *Inputs) {
			in.Bias.DType = dtypes.BFloat16
			in.OutputDType = dtypes.Float16
		}, ErrUnsupportedDType},
		{"int8 out per-token", func(in *Inputs) { in.OutputDType = dtypes.Int8 }, ErrUnsupportedDType},
		{"int32 out", func(in *Inputs) { in.OutputDType = dtypes.Int32 }, ErrUnsupportedDType},
		{"offset with float out", func(in *Inputs) { in.X2Offset = shapes.Make(dtypes.Float32, 1) }, ErrUnsupportedDType},
		{"odd int4", func(in *Inputs) {
			in.X1 = shapes.Make(dtypes.Int4, 60, 787)
			in.X2 = shapes.Make(dtypes.Int4, 787, 11)
		}, ErrAlignment},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInputs()
			tc.modify(&in)
			_, err := Analyze(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestAnalyze_Int8OutputWithOffset(t *testing.T) {
	in := baseInputs()
	in.X1Scale = shapes.Invalid()
	in.X2Scale = shapes.Make(dtypes.Uint64, 11)
	in.OutputDType = dtypes.Int8
	in.Bias = shapes.Make(dtypes.Int32, 11)
	in.X2Offset = shapes.Make(dtypes.Float32, 11)
	d, err := Analyze(in)
	require.NoError(t, err)
	assert.True(t, d.HasOffset)
	assert.True(t, d.OffsetPerChannel)
}

func TestGroupSizePacking(t *testing.T) {
	packed := PackGroupSize(1, 128, 128)
	assert.Equal(t, int64(1)<<32|128<<16|128, packed)
	m, n, k := UnpackGroupSize(packed)
	assert.Equal(t, []int{1, 128, 128}, []int{m, n, k})
}

func TestParse(t *testing.T) {
	g, err := ParseGranularity("block")
	require.NoError(t, err)
	assert.Equal(t, PerBlock, g)
	g, err = ParseGranularity("per-channel")
	require.NoError(t, err)
	assert.Equal(t, PerChannel, g)
	_, err = ParseGranularity("per-row")
	require.Error(t, err)
	a, err := ParseActivation("gelu_erf")
	require.NoError(t, err)
	assert.Equal(t, ActivationGeluErf, a)
}
