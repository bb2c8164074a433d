// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
	"github.com/google/uuid"
)

// AccumSize is the size in bytes of one accumulator element (int32 or float32).
const AccumSize = 4

// Params holds the quantization and layout parameters of a plan.
type Params struct {
	// BatchA, BatchB, BatchC are the batch axes of x1, x2 and the output folded into 4 sub-dimensions.
	BatchA, BatchB, BatchC                [analysis.MaxBatchDims]int
	BatchATotal, BatchBTotal, BatchCTotal int

	TransA, TransB bool

	Granularity      analysis.Granularity
	IsPerTensor      bool
	IsPerToken       bool
	PerTokenBatched  bool
	IsDoubleScale    bool
	BiasThreeDim     bool
	HasOffset        bool
	OffsetPerChannel bool
	Activation       analysis.Activation

	// UbCalcM x UbCalcN is the sub-block the vector engine processes at a time.
	UbCalcM, UbCalcN int

	// NeedUbBuffer is the number of vector scratch bytes used by one sub-block.
	NeedUbBuffer int

	X1DType, X2DType, ScaleDType, X1ScaleDType, BiasDType, OutputDType dtypes.DType

	// ClashA/ClashB are set when consecutive rows of the operand are a multiple of 512 bytes apart,
	// so concurrent cores would hit the same cache banks: cores then stagger their K start.
	ClashA, ClashB bool

	GroupM, GroupN, GroupK int

	// PipelineDepth is the number of workspace slots per core.
	PipelineDepth int

	// KSplit is the number of K slices of the multi-stage template, 1 otherwise.
	KSplit int

	// Workspace layout, in bytes from the start of the workspace.
	SlotsOffset       int
	SlotBytes         int
	PreprocessAOffset int
	PreprocessBOffset int
	PreprocessBytes   int
	ReductionOffset   int
	ReductionBytes    int
}

// MatmulTiling holds the compute engine tiling.
type MatmulTiling struct {
	UsedCoreNum  int
	M, N, Ka, Kb int

	// SingleCoreM/N/K is the largest extent one core processes per unit of work.
	SingleCoreM, SingleCoreN, SingleCoreK int

	BaseM, BaseN, BaseK int

	// DepthA1/DepthB1 are the number of baseM x baseK (baseN x baseK) panels staged in L1.
	DepthA1, DepthB1 int

	// StepKa/StepKb are the number of baseK panels loaded per L1 transfer.
	StepKa, StepKb int
	StepM, StepN   int

	IsBias bool

	// IterateOrder 0 walks N inside M for the units of a super-tile, 1 walks M inside N.
	IterateOrder int

	// Double-buffer depth per compute engine resource class.
	DbL0A, DbL0B, DbL0C int

	// Fallback is set when the primary base block exceeded the capacity and had to shrink.
	Fallback bool
}

// CacheTileParam groups basic blocks into super-tiles sized for the L2 cache.
type CacheTileParam struct {
	MTileCnt, NTileCnt     int
	MTileBlock, NTileBlock int

	// CalOrder 0: super-tile rows run along M and the snake sweeps N; 1: rows run along N.
	CalOrder int

	IsBasicTiling bool
}

// WindowParams splits the blocks of an under-occupied last round so more cores share them.
type WindowParams struct {
	MBlockCnt, NBlockCnt, TotalBlockCnt int
	MTail, NTail                        int

	// TotalWinCnt is the number of rounds, TailWinBlockCnt the number of units in the last one.
	TotalWinCnt, TailWinBlockCnt int

	// MTailSplit x NTailSplit sub-blocks are made of each unit of the last round.
	MTailSplit, NTailSplit int
}

// Plan is the static execution plan of one quantized matmul.
type Plan struct {
	// ID identifies the plan in logs and JSON dumps. It is not part of the binary blob.
	ID uuid.UUID

	Key    Key
	Params Params
	Matmul MatmulTiling
	Cache  CacheTileParam

	// Window is optional.
	Window *WindowParams

	// WorkspaceBytes is the minimum size of the workspace the caller must allocate.
	WorkspaceBytes int

	// BlockDim is the number of parallel units launched, always equal to Matmul.UsedCoreNum.
	BlockDim int
}

// Family returns the template family of the plan.
func (p *Plan) Family() Family { return p.Key.Decode().Family }

// MBlocks returns the number of basic blocks along M.
func (p *Plan) MBlocks() int { return xslices.CeilDiv(p.Matmul.M, p.Matmul.BaseM) }

// NBlocks returns the number of basic blocks along N.
func (p *Plan) NBlocks() int { return xslices.CeilDiv(p.Matmul.N, p.Matmul.BaseN) }

// TotalUnits returns the number of units of work: basic blocks over all batches and K slices.
func (p *Plan) TotalUnits() int {
	return p.MBlocks() * p.NBlocks() * p.Params.BatchCTotal * p.Params.KSplit
}

// String returns a multi-line human-readable summary.
func (p *Plan) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&sb, format, args...) }
	mt, c := &p.Matmul, &p.Cache
	w("Plan %s\n", p.ID)
	w("  key: %s\n", p.Key)
	w("  M=%d K=%d N=%d batch=%d base=%dx%dx%d fallback=%t\n", mt.M, mt.Ka, mt.N, p.Params.BatchCTotal,
		mt.BaseM, mt.BaseN, mt.BaseK, mt.Fallback)
	w("  cores: used=%d blockDim=%d units=%d kSplit=%d\n", mt.UsedCoreNum, p.BlockDim, p.TotalUnits(), p.Params.KSplit)
	w("  L1: depthA1=%d depthB1=%d stepKa=%d stepKb=%d dbL0C=%d\n", mt.DepthA1, mt.DepthB1, mt.StepKa, mt.StepKb, mt.DbL0C)
	w("  super-tiles: %dx%d of %dx%d blocks, order=%d basic=%t\n", c.MTileCnt, c.NTileCnt, c.MTileBlock, c.NTileBlock,
		c.CalOrder, c.IsBasicTiling)
	w("  vector: ubCalc=%dx%d (%s)\n", p.Params.UbCalcM, p.Params.UbCalcN, humanize.IBytes(uint64(p.Params.NeedUbBuffer)))
	if p.Window != nil {
		w("  window: rounds=%d tail=%d split=%dx%d\n", p.Window.TotalWinCnt, p.Window.TailWinBlockCnt,
			p.Window.MTailSplit, p.Window.NTailSplit)
	}
	w("  workspace: %s (depth %d)\n", humanize.IBytes(uint64(p.WorkspaceBytes)), p.Params.PipelineDepth)
	return sb.String()
}

// BlockAlign returns the granules of block extents along M and N for the Int8 operands the
// compute engine reads: sub-blocks of a split block are multiples of them.
func (p *Plan) BlockAlign() (alignM, alignN int) {
	alignM, alignN = cubeBlock, dtypes.Int8.ElementsForBytes(l1AlignBytes)
	if p.Params.TransA {
		alignM = dtypes.Int8.ElementsForBytes(l1AlignBytes)
	}
	if p.Params.TransB {
		alignN = cubeBlock
	}
	return
}
