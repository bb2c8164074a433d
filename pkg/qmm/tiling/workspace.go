// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import "github.com/gomlx/qmatmul/pkg/core/dtypes"

// WorkspaceAlign is the alignment of every workspace region.
const WorkspaceAlign = 512

// fillWorkspace lays out the workspace regions after the platform's reserved bytes:
//
//	slots        UsedCoreNum x PipelineDepth accumulator slots of baseM x baseN
//	preprocess   Int4 operands unpacked to Int8 (x1 then x2), only for Int4 inputs
//	reduction    Int32 [batchC, M, N] partial sums of split-K, only for the multi-stage family
func (c *planContext) fillWorkspace(plan *Plan) {
	d := c.desc
	p, mt := &plan.Params, &plan.Matmul
	offset := alignUp(c.platform.ReservedWorkspace, WorkspaceAlign)

	p.SlotsOffset = offset
	p.SlotBytes = mt.BaseM * mt.BaseN * AccumSize
	offset = alignUp(offset+mt.UsedCoreNum*p.PipelineDepth*p.SlotBytes, WorkspaceAlign)

	if d.X1DType == dtypes.Int4 {
		aBytes := p.BatchATotal * d.M * d.K
		bBytes := p.BatchBTotal * d.K * d.N
		p.PreprocessAOffset = offset
		offset = alignUp(offset+aBytes, WorkspaceAlign)
		p.PreprocessBOffset = offset
		offset = alignUp(offset+bBytes, WorkspaceAlign)
		p.PreprocessBytes = aBytes + bBytes
	}

	if p.KSplit > 1 {
		p.ReductionOffset = offset
		p.ReductionBytes = p.BatchCTotal * d.M * d.N * AccumSize
		offset = alignUp(offset+p.ReductionBytes, WorkspaceAlign)
	}
	plan.WorkspaceBytes = offset
}
