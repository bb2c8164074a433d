// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline executes a tiling Plan: each core runs a compute role, accumulating blocks
// into workspace slots, and a vector role, running the epilogue on the filled slots. The two
// roles of a core hand slots over through a pair of single-token channels per slot.
//
// Execution-time failures (a desynchronized handshake, out-of-range offsets, a too small
// workspace) are not recoverable: they panic, and Run re-raises the first panic of any core.
package pipeline

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/internal/workerspool"
	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"k8s.io/klog/v2"
)

// Operands are the buffers of one execution. Optional operands are nil.
type Operands struct {
	X1, X2                           *buffers.Buffer
	X2Scale, X1Scale, Bias, X2Offset *buffers.Buffer

	// Y is the output, [batchC, M, N] in the output dtype.
	Y *buffers.Buffer

	// PreActivation optionally receives the Float32 values before the activation, shaped like Y.
	PreActivation *buffers.Buffer
}

// Stats are the counters of one execution.
type Stats struct {
	Cores  int
	Blocks int64

	ReadyRaised, ReadyConsumed int64
	FreeRaised, FreeConsumed   int64
	PrimingSkips, DrainWaits   int64

	// SubBlocks is the number of epilogue applications.
	SubBlocks int64

	// WorkspaceHighWater is the end of the furthest workspace byte used.
	WorkspaceHighWater int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("cores=%d blocks=%d ready=%d/%d free=%d/%d priming=%d drain=%d sub-blocks=%d workspace=%d",
		s.Cores, s.Blocks, s.ReadyRaised, s.ReadyConsumed, s.FreeRaised, s.FreeConsumed,
		s.PrimingSkips, s.DrainWaits, s.SubBlocks, s.WorkspaceHighWater)
}

type counters struct {
	blocks                     atomic.Int64
	readyRaised, readyConsumed atomic.Int64
	freeRaised, freeConsumed   atomic.Int64
	primingSkips, drainWaits   atomic.Int64
	subBlocks                  atomic.Int64
	highWater                  atomic.Int64
}

// touch records that the workspace was used up to end.
func (c *counters) touch(end int) {
	for {
		current := c.highWater.Load()
		if int64(end) <= current || c.highWater.CompareAndSwap(current, int64(end)) {
			return
		}
	}
}

// Executor runs one plan over one set of operands.
type Executor struct {
	plan      *tiling.Plan
	ops       Operands
	workspace []byte
	pool      *workerspool.Pool
	strategy  epilogue.Strategy
	staged    bool
	splitK    bool // set by RunSplitK: vector roles reduce into the reduction area

	// Operands as read by the roles.
	a, b       []int8
	colScale   []float32 // x2 scale times the double scale, for single-pass dequantization
	groupScale []float32 // x2 block/group scales
	blockScale []float32 // x1 per-block scales
	tokenScale []float32
	biasInt    []int32
	biasFloat  []float32
	offset     []float32
	y          any
	preAct     []float32

	counters counters
}

// New creates the executor of the plan. The workspace must hold at least plan.WorkspaceBytes.
// Inconsistent operands are fatal.
func New(plan *tiling.Plan, ops Operands, workspace []byte, pool *workerspool.Pool) *Executor {
	p, mt := &plan.Params, &plan.Matmul
	if len(workspace) < plan.WorkspaceBytes {
		exceptions.Panicf("pipeline: workspace of %d bytes, plan requires %d", len(workspace), plan.WorkspaceBytes)
	}
	if len(workspace) > 0 && uintptr(unsafe.Pointer(&workspace[0]))%tiling.AccumSize != 0 {
		exceptions.Panicf("pipeline: workspace must be aligned to %d bytes", tiling.AccumSize)
	}
	if !ops.X1.Ok() || !ops.X2.Ok() || !ops.X2Scale.Ok() || !ops.Y.Ok() {
		exceptions.Panicf("pipeline: x1, x2, x2 scale and y are required")
	}
	if ops.Y.DType() != p.OutputDType || ops.Y.Size() != p.BatchCTotal*mt.M*mt.N {
		exceptions.Panicf("pipeline: output %s doesn't match plan's %s [%d, %d, %d]",
			ops.Y.Shape(), p.OutputDType, p.BatchCTotal, mt.M, mt.N)
	}
	if ops.X1.Size() != p.BatchATotal*mt.M*mt.Ka || ops.X2.Size() != p.BatchBTotal*mt.Kb*mt.N {
		exceptions.Panicf("pipeline: operands %s and %s don't match plan's M=%d K=%d N=%d",
			ops.X1.Shape(), ops.X2.Shape(), mt.M, mt.Ka, mt.N)
	}
	if pool == nil {
		pool = workerspool.New()
	}
	e := &Executor{
		plan:      plan,
		ops:       ops,
		workspace: workspace,
		pool:      pool,
		staged:    p.Granularity.IsStaged(),
		y:         ops.Y.Flat(),
	}
	if ops.X1.DType() == dtypes.Int8 {
		e.a, e.b = buffers.Flat[int8](ops.X1), buffers.Flat[int8](ops.X2)
	} else {
		e.a = int8View(workspace[p.PreprocessAOffset : p.PreprocessAOffset+ops.X1.Size()])
		e.b = int8View(workspace[p.PreprocessBOffset : p.PreprocessBOffset+ops.X2.Size()])
	}

	x2Scale := loadAll(ops.X2Scale)
	if e.staged {
		e.groupScale = x2Scale
		if p.Granularity == analysis.PerBlock {
			e.blockScale = loadAll(ops.X1Scale)
		}
	} else {
		e.colScale = x2Scale
		if p.IsDoubleScale {
			double := loadAll(ops.X1Scale)[0]
			for i := range e.colScale {
				e.colScale[i] *= double
			}
		}
	}
	if p.IsPerToken {
		e.tokenScale = loadAll(ops.X1Scale)
	}
	if ops.Bias.Ok() {
		if ops.Bias.DType() == dtypes.Int32 {
			e.biasInt = buffers.Flat[int32](ops.Bias)
		} else {
			e.biasFloat = loadAll(ops.Bias)
		}
	}
	if ops.X2Offset.Ok() {
		e.offset = loadAll(ops.X2Offset)
	}
	if ops.PreActivation.Ok() {
		e.preAct = buffers.Flat[float32](ops.PreActivation)
	}
	return e
}

func loadAll(b *buffers.Buffer) []float32 {
	if !b.Ok() {
		return nil
	}
	values := make([]float32, b.Size())
	b.LoadFloat32(values, 0)
	return values
}

// Run executes the plan with the epilogue strategy on the code path of its family and returns
// the execution counters. It panics if any core panics.
func (e *Executor) Run(strategy epilogue.Strategy) Stats {
	switch e.plan.Family() {
	case tiling.FamilyMultiStage:
		return e.RunSplitK(strategy)
	case tiling.FamilyPerBlock, tiling.FamilyPerGroup:
		return e.RunStaged(strategy)
	default:
		return e.RunSinglePass(strategy)
	}
}

// RunSinglePass runs plans that accumulate a whole K range per unit in Int32 and dequantize
// once, in the epilogue of the vector role.
func (e *Executor) RunSinglePass(strategy epilogue.Strategy) Stats {
	p := &e.plan.Params
	if p.KSplit != 1 || e.staged {
		exceptions.Panicf("pipeline: single-pass execution of %s plan (KSplit=%d, granularity %s)",
			e.plan.Family(), p.KSplit, p.Granularity)
	}
	e.start(strategy)
	e.pool.Run(e.plan.Matmul.UsedCoreNum, e.runCore)
	return e.stats()
}

// RunSplitK runs split-K in two phases: the vector roles first reduce the partial sums of
// every K slice into the reduction area, then every core runs the epilogue over its rows of it.
func (e *Executor) RunSplitK(strategy epilogue.Strategy) Stats {
	p := &e.plan.Params
	if p.KSplit < 2 || p.ReductionBytes == 0 || e.staged {
		exceptions.Panicf("pipeline: split-K execution of %s plan (KSplit=%d, reduction=%d bytes)",
			e.plan.Family(), p.KSplit, p.ReductionBytes)
	}
	e.start(strategy)
	e.splitK = true
	// The reduction area is accumulated into: it starts zeroed.
	clear(e.workspace[p.ReductionOffset : p.ReductionOffset+p.ReductionBytes])
	e.counters.touch(p.ReductionOffset + p.ReductionBytes)
	used := e.plan.Matmul.UsedCoreNum
	e.pool.Run(used, e.runCore)
	e.pool.Run(used, e.reduceEpilogue)
	return e.stats()
}

// RunStaged runs block/group quantization: the compute role applies the scales stage by stage
// into Float32 slots, and the vector role only adds the bias and activates.
func (e *Executor) RunStaged(strategy epilogue.Strategy) Stats {
	p := &e.plan.Params
	if !e.staged || p.KSplit != 1 {
		exceptions.Panicf("pipeline: staged execution of %s plan (KSplit=%d, granularity %s)",
			e.plan.Family(), p.KSplit, p.Granularity)
	}
	if len(e.groupScale) == 0 || (p.Granularity == analysis.PerBlock && len(e.blockScale) == 0) {
		exceptions.Panicf("pipeline: %s quantization requires its scales", p.Granularity)
	}
	e.start(strategy)
	e.pool.Run(e.plan.Matmul.UsedCoreNum, e.runCore)
	return e.stats()
}

// start runs the steps common to all code paths before the cores start.
func (e *Executor) start(strategy epilogue.Strategy) {
	e.strategy = strategy
	e.counters.touch(e.plan.Params.SlotsOffset)
	if e.plan.Params.X1DType == dtypes.Int4 {
		e.unpackInt4()
	}
	klog.V(2).Infof("pipeline: running %s on %d cores, strategy %s", e.plan.Key, e.plan.Matmul.UsedCoreNum, strategy.Kind())
}

func (e *Executor) stats() Stats {
	c := &e.counters
	return Stats{
		Cores:              e.plan.Matmul.UsedCoreNum,
		Blocks:             c.blocks.Load(),
		ReadyRaised:        c.readyRaised.Load(),
		ReadyConsumed:      c.readyConsumed.Load(),
		FreeRaised:         c.freeRaised.Load(),
		FreeConsumed:       c.freeConsumed.Load(),
		PrimingSkips:       c.primingSkips.Load(),
		DrainWaits:         c.drainWaits.Load(),
		SubBlocks:          c.subBlocks.Load(),
		WorkspaceHighWater: c.highWater.Load(),
	}
}

// slot returns the workspace bytes of a core's slot, and records its use.
func (e *Executor) slot(core, slot int) []byte {
	p := &e.plan.Params
	start := p.SlotsOffset + (core*p.PipelineDepth+slot)*p.SlotBytes
	end := start + p.SlotBytes
	if end > e.plan.WorkspaceBytes {
		exceptions.Panicf("pipeline: slot %d of core %d at [%d, %d) beyond the workspace of %d bytes",
			slot, core, start, end, e.plan.WorkspaceBytes)
	}
	e.counters.touch(end)
	return e.workspace[start:end]
}

func int32View(b []byte) []int32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func float32View(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func int8View(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b))
}
