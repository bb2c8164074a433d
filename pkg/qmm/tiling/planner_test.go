// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"
	"testing"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, in analysis.Inputs) *analysis.Descriptor {
	t.Helper()
	desc, err := analysis.Analyze(in)
	require.NoError(t, err)
	return desc
}

func perTensorInputs(m, k, n int) analysis.Inputs {
	return analysis.Inputs{
		X1:          shapes.Make(dtypes.Int8, m, k),
		X2:          shapes.Make(dtypes.Int8, k, n),
		X2Scale:     shapes.Make(dtypes.Float32, 1),
		OutputDType: dtypes.Float16,
	}
}

func TestPlan_SmallProblemUsesOneCore(t *testing.T) {
	in := analysis.Inputs{
		X1:          shapes.Make(dtypes.Int8, 60, 787),
		X2:          shapes.Make(dtypes.Int8, 787, 11),
		X2Scale:     shapes.Make(dtypes.Float32, 1),
		X1Scale:     shapes.Make(dtypes.Float32, 60),
		Bias:        shapes.Make(dtypes.Float32, 11),
		OutputDType: dtypes.BFloat16,
	}
	plan, err := NewPlanner(platform.MustPreset("ascend910b")).Plan(analyze(t, in))
	require.NoError(t, err)
	fmt.Printf("%s\n", plan)

	assert.Equal(t, FamilySmallM, plan.Family())
	assert.Equal(t, 1, plan.Matmul.UsedCoreNum)
	assert.Equal(t, 1, plan.BlockDim)
	assert.Equal(t, 64, plan.Matmul.BaseM)
	assert.Equal(t, 32, plan.Matmul.BaseN)
	assert.Equal(t, 128, plan.Matmul.BaseK)
	assert.Equal(t, 7, plan.Matmul.StepKa)
	assert.Equal(t, 7, plan.Matmul.StepKb)
	assert.Nil(t, plan.Window)
	assert.True(t, plan.Cache.IsBasicTiling)
	assert.Equal(t, 30, plan.Params.UbCalcM)
	assert.Equal(t, 32, plan.Params.UbCalcN)
	assert.Equal(t, 16*1024*1024, plan.Params.SlotsOffset)
	assert.Equal(t, 64*32*4, plan.Params.SlotBytes)
	assert.Equal(t, 16*1024*1024+2*64*32*4, plan.WorkspaceBytes)

	fields := plan.Key.Decode()
	assert.Equal(t, KeyFields{
		Family:      FamilySmallM,
		Granularity: analysis.PerTensor,
		PerToken:    true,
		Epilogue:    epilogue.DequantBias,
	}, fields)
}

func TestPlan_BasicWithTailWindow(t *testing.T) {
	in := perTensorInputs(1024, 1024, 1024)
	in.X2Scale = shapes.Make(dtypes.Float32, 1024)
	plan, err := NewPlanner(platform.MustPreset("ascend910b")).Plan(analyze(t, in))
	require.NoError(t, err)

	assert.Equal(t, FamilyBasic, plan.Family())
	assert.Equal(t, 128, plan.Matmul.BaseM)
	assert.Equal(t, 256, plan.Matmul.BaseN)
	assert.Equal(t, 128, plan.Matmul.BaseK)
	assert.False(t, plan.Matmul.Fallback)
	assert.Equal(t, 1, plan.Matmul.DbL0C)
	assert.Equal(t, 1, plan.Matmul.IterateOrder)
	assert.Equal(t, 24, plan.Matmul.UsedCoreNum)
	assert.Equal(t, 32, plan.TotalUnits())
	require.NotNil(t, plan.Window)
	assert.Equal(t, 2, plan.Window.TotalWinCnt)
	assert.Equal(t, 8, plan.Window.TailWinBlockCnt)
	assert.Equal(t, 1, plan.Window.MTailSplit)
	assert.Equal(t, 3, plan.Window.NTailSplit)
	assert.True(t, plan.Params.ClashA)
}

func TestPlan_SplitK(t *testing.T) {
	plan, err := NewPlanner(platform.MustPreset("ascend910b")).Plan(analyze(t, perTensorInputs(64, 8192, 64)))
	require.NoError(t, err)
	assert.Equal(t, FamilyMultiStage, plan.Family())
	assert.True(t, plan.Key.Decode().NeedsClean)
	assert.Equal(t, 8, plan.Params.KSplit)
	assert.Equal(t, 1024, plan.Matmul.SingleCoreK)
	assert.Equal(t, 8, plan.Matmul.UsedCoreNum)
	assert.Equal(t, 64*64*4, plan.Params.ReductionBytes)
	assert.Equal(t, 0, plan.Params.ReductionOffset%WorkspaceAlign)
	assert.GreaterOrEqual(t, plan.WorkspaceBytes, plan.Params.ReductionOffset+plan.Params.ReductionBytes)

	// With a short K the same shape doesn't split.
	plan, err = NewPlanner(platform.MustPreset("ascend910b")).Plan(analyze(t, perTensorInputs(64, 1024, 64)))
	require.NoError(t, err)
	assert.Equal(t, FamilySmallM, plan.Family())
	assert.Equal(t, 1, plan.Params.KSplit)
}

func TestPlan_PerGroup(t *testing.T) {
	in := analysis.Inputs{
		X1:          shapes.Make(dtypes.Int8, 16, 1024),
		X2:          shapes.Make(dtypes.Int8, 1024, 64),
		X2Scale:     shapes.Make(dtypes.Float32, 8, 64),
		X1Scale:     shapes.Make(dtypes.Float32, 16),
		OutputDType: dtypes.BFloat16,
	}
	planner := NewPlanner(platform.MustPreset("ascend910b"))
	plan, err := planner.Plan(analyze(t, in))
	require.NoError(t, err)
	assert.Equal(t, FamilyPerGroup, plan.Family())
	assert.Equal(t, 128, plan.Params.GroupK)
	assert.Equal(t, 128, plan.Matmul.BaseK)
	assert.Equal(t, 1, plan.Matmul.UsedCoreNum)

	in.X2Scale = shapes.Make(dtypes.Float32, 16, 64)
	plan, err = planner.Plan(analyze(t, in))
	require.NoError(t, err)
	assert.Equal(t, 64, plan.Params.GroupK)
	assert.Equal(t, 64, plan.Matmul.BaseK)

	// groupK=16 isn't aligned to the 32 bytes K granule.
	in.X2Scale = shapes.Make(dtypes.Float32, 64, 64)
	_, err = planner.Plan(analyze(t, in))
	require.ErrorIs(t, err, ErrAlignment)
}

func TestPlan_PerBlock(t *testing.T) {
	in := analysis.Inputs{
		X1:          shapes.Make(dtypes.Int8, 256, 512),
		X2:          shapes.Make(dtypes.Int8, 512, 256),
		X2Scale:     shapes.Make(dtypes.Float32, 4, 2),
		X1Scale:     shapes.Make(dtypes.Float32, 2, 4),
		OutputDType: dtypes.BFloat16,
	}
	plan, err := NewPlanner(platform.MustPreset("ascend910b")).Plan(analyze(t, in))
	require.NoError(t, err)
	assert.Equal(t, FamilyPerBlock, plan.Family())
	assert.Equal(t, 256, plan.Matmul.BaseM)
	assert.Equal(t, 128, plan.Matmul.BaseN)
	assert.Equal(t, 128, plan.Matmul.BaseK)
	assert.Equal(t, 4, plan.Matmul.StepKa)
	assert.Equal(t, 4, plan.Matmul.StepKb)
	assert.Equal(t, 128, plan.Params.GroupM)
	assert.Equal(t, 2, plan.Matmul.UsedCoreNum)
}

func TestPlan_FallbackAndCapacity(t *testing.T) {
	plan, err := NewPlanner(platform.MustPreset("tiny")).Plan(analyze(t, perTensorInputs(256, 1024, 256)))
	require.NoError(t, err)
	assert.Equal(t, FamilyBasic, plan.Family())
	assert.True(t, plan.Matmul.Fallback)
	assert.Equal(t, 64, plan.Matmul.BaseM)
	assert.Equal(t, 128, plan.Matmul.BaseN)
	assert.Equal(t, 64, plan.Matmul.BaseK)
	assert.False(t, plan.Cache.IsBasicTiling)
	assert.Greater(t, plan.Cache.MTileCnt*plan.Cache.NTileCnt, 1)
	assert.Equal(t, 4, plan.Matmul.UsedCoreNum)

	broken := platform.MustPreset("ascend910b").WithCores(1)
	broken.L0BSize = 256
	_, err = NewPlanner(broken).Plan(analyze(t, perTensorInputs(64, 64, 64)))
	require.ErrorIs(t, err, ErrCapacity)

	broken = platform.MustPreset("ascend910b")
	broken.UBSize = 64
	_, err = NewPlanner(broken).Plan(analyze(t, perTensorInputs(64, 64, 64)))
	require.ErrorIs(t, err, ErrCapacity)
}

func TestPlan_Priority(t *testing.T) {
	desc := analyze(t, perTensorInputs(1024, 1024, 1024))
	_, err := NewPlanner(platform.MustPreset("ascend910b")).WithPriority(FamilyPerGroup, FamilyPerBlock).Plan(desc)
	require.ErrorIs(t, err, ErrNotApplicable)

	// SmallM rejects a problem that occupies every core, so Basic is picked.
	plan, err := NewPlanner(platform.MustPreset("ascend910b")).WithPriority(FamilySmallM, FamilyBasic).Plan(desc)
	require.NoError(t, err)
	assert.Equal(t, FamilyBasic, plan.Family())

	require.Panics(t, func() { NewPlanner(platform.MustPreset("tiny")).WithPipelineDepth(0) })
}

func TestPlan_InvariantsOverShapes(t *testing.T) {
	for _, name := range platform.Names() {
		p := platform.MustPreset(name)
		planner := NewPlanner(p).WithPipelineDepth(3)
		for _, dims := range [][3]int{{1, 32, 1}, {17, 4096, 5}, {60, 787, 11}, {300, 200, 700}, {2048, 64, 32}, {8, 16384, 8}} {
			for _, trans := range [][2]bool{{false, false}, {true, false}, {false, true}, {true, true}} {
				m, k, n := dims[0], dims[1], dims[2]
				in := perTensorInputs(m, k, n)
				in.TransposeX1, in.TransposeX2 = trans[0], trans[1]
				if trans[0] {
					in.X1 = shapes.Make(dtypes.Int8, k, m)
				}
				if trans[1] {
					in.X2 = shapes.Make(dtypes.Int8, n, k)
				}
				plan, err := planner.Plan(analyze(t, in))
				require.NoErrorf(t, err, "platform %s, dims %v, trans %v", name, dims, trans)
				require.NoError(t, plan.Validate())
				assert.LessOrEqual(t, plan.Matmul.UsedCoreNum, p.CoreNum)
				assert.GreaterOrEqual(t, plan.Matmul.UsedCoreNum, 1)
				assert.LessOrEqual(t, plan.Matmul.BaseM*plan.Matmul.BaseN*AccumSize, p.L0CSize)
				assert.LessOrEqual(t, plan.Params.NeedUbBuffer, p.UBSize)
				assert.Equal(t, 3, plan.Params.PipelineDepth)
				assert.True(t, plan.Key.Valid())
			}
		}
	}
}

func TestPlan_Cache(t *testing.T) {
	cache := NewCache()
	planner := NewPlanner(platform.MustPreset("ascend910b")).WithCache(cache)
	desc := analyze(t, perTensorInputs(60, 787, 11))
	p1, err := planner.Plan(desc)
	require.NoError(t, err)
	p2, err := planner.Plan(desc)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, cache.Len())

	// A different platform is a different entry.
	_, err = NewPlanner(platform.MustPreset("tiny")).WithCache(cache).Plan(desc)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
	cache.Reset()
	assert.Equal(t, 0, cache.Len())
}
