// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler enumerates the units of work of one core, from a tiling Plan.
//
// The schedule is static: every role of every core runs its own Scheduler over the same plan
// and they all agree on the sequence. Super-tiles are visited in snake order starting at
// super-tile (0, 0); within a super-tile, round r gives core c the unit r*UsedCoreNum+c.
// When the plan has window parameters, each unit of the last round is split into sub-blocks
// shared by the otherwise idle cores.
package scheduler

import (
	"fmt"
	"iter"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
)

// State of the scheduler.
type State int

const (
	// Init is the state before the first call to Next.
	Init State = iota

	// FirstTile while visiting the first super-tile.
	FirstTile

	// SweepSuperTile while visiting the following super-tiles.
	SweepSuperTile

	// SweepSubTile while visiting the sub-blocks of the last round's split units.
	SweepSubTile

	// Drained once every unit of the core has been visited.
	Drained
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case FirstTile:
		return "FirstTile"
	case SweepSuperTile:
		return "SweepSuperTile"
	case SweepSubTile:
		return "SweepSubTile"
	case Drained:
		return "Drained"
	default:
		return "Unknown"
	}
}

// BlockOffset locates one unit of work (or sub-block) in the operands and the output.
type BlockOffset struct {
	// Batch is the flat output batch index; BatchA and BatchB are the flat x1 and x2 batch
	// indices it reads, after broadcasting.
	Batch, BatchA, BatchB int

	// MBlock and NBlock index the basic block; MOffset/NOffset and MLen/NLen are the element
	// offsets and extents of the (sub-)block.
	MBlock, NBlock   int
	MOffset, NOffset int
	MLen, NLen       int

	// KSlice indexes the K slice of split-K; KOffset and KLen are its element range.
	KSlice, KOffset, KLen int

	// Round is the index of the round across all super-tiles.
	Round int

	// SubBlock is the index of the window sub-block, -1 for whole units.
	SubBlock int
}

// String implements fmt.Stringer.
func (b BlockOffset) String() string {
	return fmt.Sprintf("batch=%d(a=%d,b=%d) block=(%d,%d) m=[%d+%d] n=[%d+%d] k=[%d+%d] round=%d sub=%d",
		b.Batch, b.BatchA, b.BatchB, b.MBlock, b.NBlock, b.MOffset, b.MLen, b.NOffset, b.NLen,
		b.KOffset, b.KLen, b.Round, b.SubBlock)
}

// SuperTile is the position of a super-tile, in units of super-tiles.
type SuperTile struct {
	M, N int
}

// SuperTileOrder returns the order in which super-tiles are visited: a snake starting at (0, 0)
// whose rows run along M (CalOrder 0, sweeping N) or along N (CalOrder 1, sweeping M).
func SuperTileOrder(cache tiling.CacheTileParam) []SuperTile {
	order := make([]SuperTile, 0, cache.MTileCnt*cache.NTileCnt)
	outer, inner := cache.MTileCnt, cache.NTileCnt
	if cache.CalOrder == 1 {
		outer, inner = inner, outer
	}
	for o := range outer {
		for j := range inner {
			i := j
			if o%2 == 1 {
				i = inner - 1 - j
			}
			if cache.CalOrder == 1 {
				order = append(order, SuperTile{M: i, N: o})
			} else {
				order = append(order, SuperTile{M: o, N: i})
			}
		}
	}
	return order
}

// Scheduler walks the units of work of one core.
type Scheduler struct {
	plan *tiling.Plan
	core int

	order            []SuperTile
	mBlocks, nBlocks int
	alignM, alignN   int

	state      State
	tileIdx    int
	round      int
	roundTotal int
	current    BlockOffset
}

// New returns the scheduler of the given core, which must be in [0, plan.Matmul.UsedCoreNum).
func New(plan *tiling.Plan, core int) *Scheduler {
	if core < 0 || core >= plan.Matmul.UsedCoreNum {
		exceptions.Panicf("scheduler.New: core %d out of range, plan uses %d cores", core, plan.Matmul.UsedCoreNum)
	}
	s := &Scheduler{
		plan:    plan,
		core:    core,
		order:   SuperTileOrder(plan.Cache),
		mBlocks: plan.MBlocks(),
		nBlocks: plan.NBlocks(),
	}
	s.alignM, s.alignN = plan.BlockAlign()
	return s
}

// State returns the current state.
func (s *Scheduler) State() State { return s.state }

// Core returns the core the scheduler enumerates units for.
func (s *Scheduler) Core() int { return s.core }

// tileExtent returns the number of M and N blocks of the super-tile.
func (s *Scheduler) tileExtent(tile SuperTile) (tm, tn int) {
	cp := &s.plan.Cache
	tm = min(cp.MTileBlock, s.mBlocks-tile.M*cp.MTileBlock)
	tn = min(cp.NTileBlock, s.nBlocks-tile.N*cp.NTileBlock)
	return
}

func (s *Scheduler) tileUnits(tile SuperTile) int {
	tm, tn := s.tileExtent(tile)
	return tm * tn * s.plan.Params.BatchCTotal * s.plan.Params.KSplit
}

// Next advances to the next unit of the core and returns true, or returns false once drained.
// Calling Next again after it returned false panics.
func (s *Scheduler) Next() bool {
	if s.state == Drained {
		exceptions.Panicf("scheduler: Next called after the schedule of core %d was drained", s.core)
	}
	if s.state == Init {
		s.state = FirstTile
		s.tileIdx, s.round = 0, -1
	}
	used := s.plan.Matmul.UsedCoreNum
	for s.tileIdx < len(s.order) {
		tile := s.order[s.tileIdx]
		units := s.tileUnits(tile)
		rounds := xslices.CeilDiv(units, used)
		s.round++
		if s.round >= rounds {
			s.tileIdx++
			s.round = -1
			if s.tileIdx < len(s.order) {
				s.state = SweepSuperTile
			}
			continue
		}
		s.roundTotal++
		if w := s.plan.Window; w != nil && s.round == rounds-1 {
			s.state = SweepSubTile
			split := w.MTailSplit * w.NTailSplit
			if s.core >= w.TailWinBlockCnt*split {
				continue
			}
			unit := s.round*used + s.core/split
			if s.setUnit(tile, unit, s.core%split) {
				return true
			}
			continue
		}
		unit := s.round*used + s.core
		if unit >= units {
			continue
		}
		s.setUnit(tile, unit, -1)
		return true
	}
	s.state = Drained
	return false
}

// setUnit positions the scheduler on the unit of the super-tile, or on one of its window
// sub-blocks if subBlock >= 0. It returns false if the sub-block is empty.
func (s *Scheduler) setUnit(tile SuperTile, unit, subBlock int) bool {
	p := s.plan
	mt := &p.Matmul
	tm, tn := s.tileExtent(tile)
	var mIdx, nIdx int
	u := unit
	if mt.IterateOrder == 0 {
		nIdx, u = u%tn, u/tn
		mIdx, u = u%tm, u/tm
	} else {
		mIdx, u = u%tm, u/tm
		nIdx, u = u%tn, u/tn
	}
	kSlice, batch := u%p.Params.KSplit, u/p.Params.KSplit

	b := BlockOffset{
		Batch:    batch,
		MBlock:   tile.M*p.Cache.MTileBlock + mIdx,
		NBlock:   tile.N*p.Cache.NTileBlock + nIdx,
		KSlice:   kSlice,
		KOffset:  kSlice * mt.SingleCoreK,
		Round:    s.roundTotal - 1,
		SubBlock: subBlock,
	}
	b.BatchA, b.BatchB = BroadcastBatch(&p.Params, batch)
	b.KLen = min(mt.SingleCoreK, mt.Ka-b.KOffset)
	b.MOffset = b.MBlock * mt.BaseM
	b.NOffset = b.NBlock * mt.BaseN
	b.MLen = min(mt.BaseM, mt.M-b.MOffset)
	b.NLen = min(mt.BaseN, mt.N-b.NOffset)

	if subBlock >= 0 {
		w := p.Window
		subM, subN := subBlock/w.NTailSplit, subBlock%w.NTailSplit
		var ok bool
		if b.MOffset, b.MLen, ok = splitExtent(b.MOffset, b.MLen, w.MTailSplit, subM, s.alignM); !ok {
			return false
		}
		if b.NOffset, b.NLen, ok = splitExtent(b.NOffset, b.NLen, w.NTailSplit, subN, s.alignN); !ok {
			return false
		}
	}
	s.current = b
	return true
}

// splitExtent returns the idx-th of split aligned pieces of [offset, offset+length).
func splitExtent(offset, length, split, idx, align int) (int, int, bool) {
	if split <= 1 {
		return offset, length, true
	}
	piece := xslices.AlignUp(xslices.CeilDiv(length, split), align)
	start := idx * piece
	if start >= length {
		return 0, 0, false
	}
	return offset + start, min(piece, length-start), true
}

// Offset returns the current unit. It panics if the scheduler is not positioned on a unit.
func (s *Scheduler) Offset() BlockOffset {
	if s.state == Init || s.state == Drained {
		exceptions.Panicf("scheduler: Offset called in state %s", s.state)
	}
	return s.current
}

// All iterates over the remaining units of the core.
func (s *Scheduler) All() iter.Seq[BlockOffset] {
	return func(yield func(BlockOffset) bool) {
		for s.Next() {
			if !yield(s.current) {
				return
			}
		}
	}
}

// BroadcastBatch maps a flat output batch index to the flat x1 and x2 batch indices: batch
// sub-dimensions of size 1 in an operand are broadcast.
func BroadcastBatch(p *tiling.Params, batch int) (batchA, batchB int) {
	var idx [analysis.MaxBatchDims]int
	for i := analysis.MaxBatchDims - 1; i >= 0; i-- {
		idx[i] = batch % p.BatchC[i]
		batch /= p.BatchC[i]
	}
	for i := range analysis.MaxBatchDims {
		batchA *= p.BatchA[i]
		batchB *= p.BatchB[i]
		if p.BatchA[i] != 1 {
			batchA += idx[i]
		}
		if p.BatchB[i] != 1 {
			batchB += idx[i]
		}
	}
	return
}
