// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"testing"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planFor(t *testing.T, platformName string, x1, x2 []int) *tiling.Plan {
	t.Helper()
	desc, err := analysis.Analyze(analysis.Inputs{
		X1:          shapes.Make(dtypes.Int8, x1...),
		X2:          shapes.Make(dtypes.Int8, x2...),
		X2Scale:     shapes.Make(dtypes.Float32, 1),
		OutputDType: dtypes.Float32,
	})
	require.NoError(t, err)
	plan, err := tiling.NewPlanner(platform.MustPreset(platformName)).Plan(desc)
	require.NoError(t, err)
	return plan
}

// coverage counts how many times each output element of each K slice is visited by all cores.
func coverage(t *testing.T, plan *tiling.Plan) (counts []int, units int) {
	mt := &plan.Matmul
	counts = make([]int, plan.Params.BatchCTotal*plan.Params.KSplit*mt.M*mt.N)
	for core := range mt.UsedCoreNum {
		for b := range New(plan, core).All() {
			units++
			require.Greater(t, b.MLen, 0)
			require.Greater(t, b.NLen, 0)
			require.Greater(t, b.KLen, 0)
			for m := b.MOffset; m < b.MOffset+b.MLen; m++ {
				for n := b.NOffset; n < b.NOffset+b.NLen; n++ {
					counts[((b.Batch*plan.Params.KSplit+b.KSlice)*mt.M+m)*mt.N+n]++
				}
			}
		}
	}
	return
}

func TestScheduler_CoversEveryElementOnce(t *testing.T) {
	for _, tc := range []struct {
		name     string
		platform string
		x1, x2   []int
	}{
		{"single-core", "ascend910b", []int{60, 787}, []int{787, 11}},
		{"window", "ascend910b", []int{1024, 1024}, []int{1024, 1024}},
		{"super-tiles", "tiny", []int{256, 1024}, []int{1024, 256}},
		{"split-k", "ascend910b", []int{64, 8192}, []int{8192, 64}},
		{"batched", "tiny", []int{3, 1, 100, 64}, []int{2, 64, 70}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			plan := planFor(t, tc.platform, tc.x1, tc.x2)
			counts, units := coverage(t, plan)
			for i, c := range counts {
				require.Equalf(t, 1, c, "element %d visited %d times", i, c)
			}
			if plan.Window == nil {
				assert.Equal(t, plan.TotalUnits(), units)
			} else {
				assert.Greater(t, units, plan.TotalUnits())
			}
		})
	}
}

func TestScheduler_WindowSubBlocks(t *testing.T) {
	plan := planFor(t, "ascend910b", []int{1024, 1024}, []int{1024, 1024})
	require.NotNil(t, plan.Window)
	require.Equal(t, 3, plan.Window.NTailSplit)

	// Core 0 gets its full first-round unit, then the first third of the first tail unit.
	s := New(plan, 0)
	require.True(t, s.Next())
	assert.Equal(t, FirstTile, s.State())
	assert.Equal(t, -1, s.Offset().SubBlock)
	require.True(t, s.Next())
	assert.Equal(t, SweepSubTile, s.State())
	b := s.Offset()
	assert.Equal(t, 0, b.SubBlock)
	assert.Equal(t, 96, b.NLen)
	assert.Equal(t, 128, b.MLen)
	assert.False(t, s.Next())
	assert.Equal(t, Drained, s.State())
	assert.Panics(t, func() { s.Next() })
	assert.Panics(t, func() { s.Offset() })

	// The third sub-block of a 256 wide unit is the remainder.
	s = New(plan, 2)
	require.True(t, s.Next())
	require.True(t, s.Next())
	assert.Equal(t, 2, s.Offset().SubBlock)
	assert.Equal(t, 64, s.Offset().NLen)
	assert.Equal(t, s.Offset().NBlock*256+192, s.Offset().NOffset)
}

func TestSuperTileOrder(t *testing.T) {
	order := SuperTileOrder(tiling.CacheTileParam{MTileCnt: 2, NTileCnt: 3})
	assert.Equal(t, []SuperTile{{0, 0}, {0, 1}, {0, 2}, {1, 2}, {1, 1}, {1, 0}}, order)

	order = SuperTileOrder(tiling.CacheTileParam{MTileCnt: 2, NTileCnt: 3, CalOrder: 1})
	assert.Equal(t, []SuperTile{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 2}, {1, 2}}, order)

	plan := planFor(t, "tiny", []int{256, 1024}, []int{1024, 256})
	s := New(plan, 0)
	require.True(t, s.Next())
	assert.Equal(t, FirstTile, s.State())
	for s.Next() {
		if s.State() == SweepSuperTile {
			break
		}
	}
	assert.Equal(t, SweepSuperTile, s.State())
}

func TestBroadcastBatch(t *testing.T) {
	p := &tiling.Params{
		BatchA: [analysis.MaxBatchDims]int{1, 1, 2, 1},
		BatchB: [analysis.MaxBatchDims]int{1, 1, 1, 3},
		BatchC: [analysis.MaxBatchDims]int{1, 1, 2, 3},
	}
	for batch, want := range [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}} {
		a, b := BroadcastBatch(p, batch)
		assert.Equal(t, want, [2]int{a, b}, "batch %d", batch)
	}
}

func TestNew_CoreOutOfRange(t *testing.T) {
	plan := planFor(t, "ascend910b", []int{60, 787}, []int{787, 11})
	require.Panics(t, func() { New(plan, 1) })
}
