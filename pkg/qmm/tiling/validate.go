// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Validate checks the internal consistency of a plan: the invariants every plan produced by the
// Planner satisfies. It is used on plans decoded from a blob or JSON.
func (p *Plan) Validate() error {
	if !p.Key.Valid() {
		return errors.Errorf("invalid tiling key 0x%x", uint32(p.Key))
	}
	family := p.Family()
	mt, ps, cp := &p.Matmul, &p.Params, &p.Cache
	if mt.M <= 0 || mt.N <= 0 || mt.Ka <= 0 || mt.Ka != mt.Kb {
		return errors.Errorf("invalid matrix extents M=%d N=%d Ka=%d Kb=%d", mt.M, mt.N, mt.Ka, mt.Kb)
	}
	if mt.BaseM <= 0 || mt.BaseN <= 0 || mt.BaseK <= 0 {
		return errors.Errorf("invalid base block %dx%dx%d", mt.BaseM, mt.BaseN, mt.BaseK)
	}
	if ps.BatchATotal != xslices.Product(ps.BatchA[:]) || ps.BatchBTotal != xslices.Product(ps.BatchB[:]) ||
		ps.BatchCTotal != xslices.Product(ps.BatchC[:]) || ps.BatchCTotal <= 0 {
		return errors.Errorf("batch totals %d/%d/%d don't match batch dims %v/%v/%v",
			ps.BatchATotal, ps.BatchBTotal, ps.BatchCTotal, ps.BatchA, ps.BatchB, ps.BatchC)
	}
	if ps.KSplit < 1 || (ps.KSplit > 1) != (family == FamilyMultiStage) {
		return errors.Errorf("kSplit=%d inconsistent with family %s", ps.KSplit, family)
	}
	if err := p.validateKey(); err != nil {
		return err
	}
	if mt.SingleCoreK*ps.KSplit < mt.Ka || (ps.KSplit > 1 && mt.SingleCoreK%mt.BaseK != 0) {
		return errors.Errorf("K slices of %d x %d don't cover K=%d", ps.KSplit, mt.SingleCoreK, mt.Ka)
	}
	if ps.PipelineDepth < 1 {
		return errors.Errorf("pipeline depth %d < 1", ps.PipelineDepth)
	}
	if cp.MTileBlock < 1 || cp.NTileBlock < 1 || cp.MTileCnt*cp.MTileBlock < p.MBlocks() ||
		cp.NTileCnt*cp.NTileBlock < p.NBlocks() {
		return errors.Errorf("super-tiles %dx%d of %dx%d blocks don't cover %dx%d blocks",
			cp.MTileCnt, cp.NTileCnt, cp.MTileBlock, cp.NTileBlock, p.MBlocks(), p.NBlocks())
	}
	if mt.UsedCoreNum < 1 || mt.UsedCoreNum > cp.MTileBlock*cp.NTileBlock*ps.BatchCTotal*ps.KSplit {
		return errors.Errorf("usedCoreNum=%d out of range for %d units per super-tile",
			mt.UsedCoreNum, cp.MTileBlock*cp.NTileBlock*ps.BatchCTotal*ps.KSplit)
	}
	if p.BlockDim != mt.UsedCoreNum {
		return errors.Errorf("blockDim=%d != usedCoreNum=%d", p.BlockDim, mt.UsedCoreNum)
	}
	if mt.StepKa < 1 || mt.StepKb < 1 || mt.DepthA1 < 2*mt.StepKa || mt.DepthB1 < 2*mt.StepKb {
		return errors.Errorf("invalid L1 steps stepKa=%d stepKb=%d depthA1=%d depthB1=%d",
			mt.StepKa, mt.StepKb, mt.DepthA1, mt.DepthB1)
	}
	if ps.UbCalcM < 1 || ps.UbCalcN != mt.BaseN {
		return errors.Errorf("invalid vector sub-block %dx%d for baseN=%d", ps.UbCalcM, ps.UbCalcN, mt.BaseN)
	}
	if ps.Granularity.IsStaged() {
		if ps.GroupK <= 0 || mt.Ka%ps.GroupK != 0 || ps.GroupK%mt.BaseK != 0 {
			return errors.Errorf("groupK=%d must divide K=%d and be a multiple of baseK=%d", ps.GroupK, mt.Ka, mt.BaseK)
		}
	}
	if ps.SlotBytes != mt.BaseM*mt.BaseN*AccumSize ||
		p.WorkspaceBytes < ps.SlotsOffset+mt.UsedCoreNum*ps.PipelineDepth*ps.SlotBytes {
		return errors.Errorf("workspace of %d bytes too small for %d slots of %d bytes at %d",
			p.WorkspaceBytes, mt.UsedCoreNum*ps.PipelineDepth, ps.SlotBytes, ps.SlotsOffset)
	}
	if ps.KSplit > 1 && (ps.ReductionBytes != ps.BatchCTotal*mt.M*mt.N*AccumSize ||
		p.WorkspaceBytes < ps.ReductionOffset+ps.ReductionBytes) {
		return errors.Errorf("invalid reduction area of %d bytes at %d", ps.ReductionBytes, ps.ReductionOffset)
	}
	if w := p.Window; w != nil {
		if w.MTailSplit < 1 || w.NTailSplit < 1 || w.TailWinBlockCnt < 1 ||
			w.TailWinBlockCnt*w.MTailSplit*w.NTailSplit > mt.UsedCoreNum {
			return errors.Errorf("window tail of %d units split %dx%d doesn't fit %d cores",
				w.TailWinBlockCnt, w.MTailSplit, w.NTailSplit, mt.UsedCoreNum)
		}
		if w.TotalBlockCnt != p.TotalUnits() || w.TotalWinCnt != xslices.CeilDiv(w.TotalBlockCnt, mt.UsedCoreNum) {
			return errors.Errorf("window of %d units in %d rounds inconsistent with plan", w.TotalBlockCnt, w.TotalWinCnt)
		}
	}
	return nil
}

// validateKey checks the key fields against the parameters they select the code path for.
func (p *Plan) validateKey() error {
	ps, mt := &p.Params, &p.Matmul
	if mt.IsBias != (ps.BiasDType != dtypes.InvalidDType) {
		return errors.Errorf("isBias=%t inconsistent with bias dtype %s", mt.IsBias, ps.BiasDType)
	}
	got := p.Key.Decode()
	want := KeyFields{
		TransA:      ps.TransA,
		TransB:      ps.TransB,
		Family:      got.Family,
		Granularity: ps.Granularity,
		PerToken:    ps.IsPerToken,
		NeedsClean:  got.Family == FamilyMultiStage,
		Epilogue:    epilogue.KindFor(mt.IsBias, ps.Activation),
		Int4:        ps.X1DType == dtypes.Int4,
	}
	if got != want {
		return errors.Errorf("tiling key %s doesn't match the plan parameters, which select %s", p.Key, want.Encode())
	}
	return nil
}
