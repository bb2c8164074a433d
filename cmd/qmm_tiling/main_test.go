// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"testing"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, values map[string]string) {
	t.Helper()
	for name, value := range values {
		previous := flag.Lookup(name).Value.String()
		require.NoError(t, flag.Set(name, value))
		t.Cleanup(func() { _ = flag.Set(name, previous) })
	}
}

func TestInputsFromFlags(t *testing.T) {
	in := must.M1(inputsFromFlags())
	desc := must.M1(analysis.Analyze(in))
	assert.Equal(t, 60, desc.M)
	assert.Equal(t, 787, desc.K)
	assert.Equal(t, 11, desc.N)
	assert.False(t, desc.PerToken)
	assert.Equal(t, dtypes.BFloat16, desc.OutputDType)

	setFlags(t, map[string]string{
		"dtype": "int4", "scale": "block", "m": "256", "k": "512", "n": "256", "batch_a": "2",
		"trans_b": "true", "bias": "none", "out": "fp16", "act": "gelu_erf",
	})
	in = must.M1(inputsFromFlags())
	desc = must.M1(analysis.Analyze(in))
	assert.Equal(t, analysis.PerBlock, desc.Granularity)
	assert.Equal(t, dtypes.Int4, desc.X1DType)
	assert.Equal(t, []int{2, 256, 512}, in.X1.Dimensions)
	assert.Equal(t, []int{256, 512}, in.X2.Dimensions)
	assert.Equal(t, 128, desc.GroupM)
	assert.False(t, desc.HasBias)

	setFlags(t, map[string]string{"offset": "sideways"})
	_, err := inputsFromFlags()
	require.Error(t, err)
}

func TestInputsFromFlags_X1Scale(t *testing.T) {
	// Int8 output works with the defaults: no per-token scale.
	setFlags(t, map[string]string{"out": "int8", "bias": "int32", "offset": "channel", "scale": "channel"})
	desc := must.M1(analysis.Analyze(must.M1(inputsFromFlags())))
	assert.Equal(t, dtypes.Int8, desc.OutputDType)
	assert.False(t, desc.PerToken)

	setFlags(t, map[string]string{"out": "bf16", "bias": "fp32", "offset": "none", "double_scale": "true"})
	desc = must.M1(analysis.Analyze(must.M1(inputsFromFlags())))
	assert.True(t, desc.DoubleScale)
	assert.False(t, desc.PerToken)

	setFlags(t, map[string]string{"per_token": "true"})
	_, err := inputsFromFlags()
	require.Error(t, err)

	setFlags(t, map[string]string{"double_scale": "false", "batch_a": "2, 3", "batch_b": "3"})
	in := must.M1(inputsFromFlags())
	assert.Equal(t, []int{2, 3, 60, 787}, in.X1.Dimensions)
	assert.Equal(t, []int{2, 3, 60}, in.X1Scale.Dimensions)
	assert.Equal(t, []int{3, 787, 11}, in.X2.Dimensions)

	setFlags(t, map[string]string{"batch_a": "2,0"})
	_, err = inputsFromFlags()
	require.Error(t, err)
}

func TestDimsString(t *testing.T) {
	assert.Equal(t, "1x2x1x3", dimsString([]int{1, 2, 1, 3}))
	assert.Equal(t, "", dimsString(nil))
}

func TestCheckCoverage(t *testing.T) {
	planner := tiling.NewPlanner(platform.MustPreset("tiny"))
	for _, c := range []sweepCase{{256, 1024, 256, false, false}, {60, 787, 11, true, false}, {16, 8192, 64, false, true}} {
		plan, _, err := planInputs(planner, c.inputs())
		require.NoError(t, err, c.String())
		require.NoError(t, checkCoverage(plan), c.String())
	}
}
