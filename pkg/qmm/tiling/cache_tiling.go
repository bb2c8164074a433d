// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

// fillCacheTiling groups the basic blocks into super-tiles whose operand strips fit the L2 budget.
//
// The tile block of the heavier operand is halved until the super-tile fits, as long as a
// super-tile still holds enough units to occupy every core.
func (c *planContext) fillCacheTiling(plan *Plan) {
	mt := &plan.Matmul
	sz := c.operand.Size()
	mBlocks, nBlocks := plan.MBlocks(), plan.NBlocks()
	aStrip := mt.BaseM * c.desc.K * sz * plan.Params.BatchATotal
	bStrip := mt.BaseN * c.desc.K * sz * plan.Params.BatchBTotal
	budget := c.platform.L2Size / max(1, c.policy.L2BudgetDivisor)
	minUnits := min(c.platform.CoreNum, mBlocks*nBlocks*c.batchC)

	mTile, nTile := mBlocks, nBlocks
	for mTile*aStrip+nTile*bStrip > budget {
		nextM, nextN := mTile, nTile
		switch {
		case mTile > 1 && (mTile*aStrip >= nTile*bStrip || nTile == 1):
			nextM = ceilDiv(mTile, 2)
		case nTile > 1:
			nextN = ceilDiv(nTile, 2)
		}
		if (nextM == mTile && nextN == nTile) || nextM*nextN*c.batchC < minUnits {
			break
		}
		mTile, nTile = nextM, nextN
	}

	plan.Cache = CacheTileParam{
		MTileCnt:      ceilDiv(mBlocks, mTile),
		NTileCnt:      ceilDiv(nBlocks, nTile),
		MTileBlock:    mTile,
		NTileBlock:    nTile,
		IsBasicTiling: mTile == mBlocks && nTile == nBlocks,
	}
	if mTile*aStrip < nTile*bStrip {
		plan.Cache.CalOrder = 1
	}
}

// fillWindow splits the units of an under-occupied last round into sub-blocks, so that the
// idle cores of that round share the work. Only whole-problem basic plans without split-K use it.
func (c *planContext) fillWindow(plan *Plan) {
	if plan.Family() != FamilyBasic || !plan.Cache.IsBasicTiling || plan.Params.KSplit != 1 {
		return
	}
	cores := c.platform.CoreNum
	total := plan.TotalUnits()
	rounds, tail := ceilDiv(total, cores), total%cores
	if rounds <= 1 || tail == 0 {
		return
	}
	mt := &plan.Matmul
	mBlocks, nBlocks := plan.MBlocks(), plan.NBlocks()
	w := &WindowParams{
		MBlockCnt:       mBlocks,
		NBlockCnt:       nBlocks,
		TotalBlockCnt:   total,
		MTail:           mt.M - (mBlocks-1)*mt.BaseM,
		NTail:           mt.N - (nBlocks-1)*mt.BaseN,
		TotalWinCnt:     rounds,
		TailWinBlockCnt: tail,
		MTailSplit:      1,
		NTailSplit:      1,
	}

	// The longer tail dimension takes the first split, then both grow alternately while the
	// sub-blocks fit on the cores.
	validM := func(split int) bool { return ceilDiv(mt.BaseM, split) >= c.alignM() }
	validN := func(split int) bool { return ceilDiv(mt.BaseN, split) >= c.alignN() }
	preValid, secValid := validM, validN
	preSplit, secSplit := &w.MTailSplit, &w.NTailSplit
	if w.MTail < w.NTail {
		preValid, secValid = validN, validM
		preSplit, secSplit = &w.NTailSplit, &w.MTailSplit
	}
	pre, sec := 1, 1
	for tail*(pre+1)*sec <= cores {
		pre++
		if preValid(pre) {
			*preSplit = pre
		}
		if tail*pre*(sec+1) <= cores {
			sec++
			if secValid(sec) {
				*secSplit = sec
			}
		}
	}
	if w.MTailSplit*w.NTailSplit == 1 {
		return
	}
	plan.Window = w
}
