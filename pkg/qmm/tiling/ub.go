// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
)

// perTokenAlignBytes is the alignment of the per-token scale slice loaded for each sub-block.
const perTokenAlignBytes = 32

// fillUbCalc sizes the vector sub-block: ubCalcN is baseN, and ubCalcM the largest row count
// whose double-buffered input, output and scale buffers fit the unified buffer.
func (c *planContext) fillUbCalc(plan *Plan) error {
	d := c.desc
	mt := &plan.Matmul
	ubCalcN := mt.BaseN
	outSize := d.OutputDType.Size()
	perRow := doubleBuffer * (AccumSize + outSize) * ubCalcN
	if d.PerToken {
		perRow += doubleBuffer * AccumSize
	}
	if d.Activation != analysis.ActivationNone {
		perRow += doubleBuffer * AccumSize * ubCalcN
	}

	fixed := 0
	if d.Granularity != analysis.PerTensor {
		// Per-channel and staged scales: one row of scales for the sub-block.
		fixed += scaleSize(d.ScaleDType) * ubCalcN
	}
	if d.PerToken {
		fixed += doubleBuffer * (perTokenAlignBytes - AccumSize)
	}
	if d.HasBias && d.BiasDType.IsFloat() {
		fixed += (AccumSize + d.BiasDType.Size()) * ubCalcN
	}
	if d.OffsetPerChannel {
		fixed += AccumSize * ubCalcN
	}

	budget := c.platform.UBSize - fixed
	ubCalcM := 0
	if budget > 0 {
		ubCalcM = min(budget/perRow, ceilDiv(mt.BaseM, 2), ceilDiv(d.M, 2))
	}
	if ubCalcM < 1 {
		return capacityf("vector sub-block of %d columns doesn't fit %d bytes of unified buffer on platform %q",
			ubCalcN, c.platform.UBSize, c.platform.Name)
	}
	plan.Params.UbCalcM, plan.Params.UbCalcN = ubCalcM, ubCalcN
	plan.Params.NeedUbBuffer = fixed + ubCalcM*perRow
	return nil
}

// scaleSize is the size of a scale element once loaded: packed scales only carry 32 bits.
func scaleSize(dtype dtypes.DType) int {
	if dtype.IsPackedFloat32() {
		return AccumSize
	}
	return dtype.Size()
}
