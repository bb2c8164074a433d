// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync/atomic"

	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/scheduler"
)

// vectorRole holds the core-local vector scratch: one UbCalcM x UbCalcN sub-block of each
// accumulator kind, the results and the pre-activation values.
type vectorRole struct {
	e             *Executor
	accInt        []int32
	accFloat      []float32
	values        []float32
	preActivation []float32
}

func newVectorRole(e *Executor) *vectorRole {
	p := &e.plan.Params
	size := p.UbCalcM * p.UbCalcN
	r := &vectorRole{e: e, values: make([]float32, size)}
	if e.staged {
		r.accFloat = make([]float32, size)
	} else {
		r.accInt = make([]int32, size)
	}
	if e.preAct != nil {
		r.preActivation = make([]float32, size)
	}
	return r
}

// epilogue runs the strategy over the block in sub-blocks of at most UbCalcM rows and writes
// the output. The accumulators (srcInt or srcFloat) start at the block's origin with row stride.
func (r *vectorRole) epilogue(block scheduler.BlockOffset, srcInt []int32, srcFloat []float32, stride int) {
	e := r.e
	p, mt := &e.plan.Params, &e.plan.Matmul
	cols := block.NLen
	for r0 := 0; r0 < block.MLen; r0 += p.UbCalcM {
		rows := min(p.UbCalcM, block.MLen-r0)
		size := rows * cols
		params := epilogue.Params{Rows: rows, Cols: cols, Values: r.values[:size]}
		for i := range rows {
			src := (r0+i)*stride
			if srcFloat != nil {
				copy(r.accFloat[i*cols:(i+1)*cols], srcFloat[src:src+cols])
			} else {
				copy(r.accInt[i*cols:(i+1)*cols], srcInt[src:src+cols])
			}
		}
		if srcFloat != nil {
			params.AccFloat32 = r.accFloat[:size]
		} else {
			params.AccInt32 = r.accInt[:size]
			params.Scale = e.colScale
			if len(e.colScale) > 1 {
				params.Scale = e.colScale[block.NOffset : block.NOffset+cols]
			}
		}
		if e.tokenScale != nil {
			start := block.MOffset + r0
			if p.PerTokenBatched {
				start += block.BatchA * mt.M
			}
			params.TokenScale = e.tokenScale[start : start+rows]
		}
		biasStart := block.NOffset
		if p.BiasThreeDim {
			biasStart += block.Batch * mt.N
		}
		switch {
		case e.biasInt != nil:
			params.BiasInt32 = e.biasInt[biasStart : biasStart+cols]
		case e.biasFloat != nil:
			params.Bias = e.biasFloat[biasStart : biasStart+cols]
		}
		if r.preActivation != nil {
			params.PreActivation = r.preActivation[:size]
		}

		e.strategy.Apply(&params)

		base := (block.Batch*mt.M+block.MOffset+r0)*mt.N + block.NOffset
		offset := e.offset
		if len(offset) > 1 {
			offset = offset[block.NOffset : block.NOffset+cols]
		}
		epilogue.Store(e.y, base, mt.N, rows, cols, params.Values, offset)
		if r.preActivation != nil {
			epilogue.Store(e.preAct, base, mt.N, rows, cols, params.PreActivation, nil)
		}
		e.counters.subBlocks.Add(1)
	}
}

// reduce adds the K slice partial sums in the slot into the reduction area, laid out like
// the output: [batchC, M, N] Int32.
func (r *vectorRole) reduce(block scheduler.BlockOffset, slot []int32) {
	e := r.e
	mt := &e.plan.Matmul
	reduction := e.reduction()
	for i := range block.MLen {
		dst := reduction[(block.Batch*mt.M+block.MOffset+i)*mt.N+block.NOffset:]
		for j, v := range slot[i*mt.BaseN : i*mt.BaseN+block.NLen] {
			atomic.AddInt32(&dst[j], v)
		}
	}
}

func (e *Executor) reduction() []int32 {
	p := &e.plan.Params
	return int32View(e.workspace[p.ReductionOffset : p.ReductionOffset+p.ReductionBytes])
}

// reduceEpilogue is the second split-K phase: once every K slice is reduced, core takes the
// output blocks core, core+UsedCoreNum, ... and runs the epilogue on the reduced sums.
func (e *Executor) reduceEpilogue(core int) {
	plan := e.plan
	mt := &plan.Matmul
	mBlocks, nBlocks := plan.MBlocks(), plan.NBlocks()
	numBlocks := plan.Params.BatchCTotal * mBlocks * nBlocks
	reduction := e.reduction()
	role := newVectorRole(e)
	for idx := core; idx < numBlocks; idx += mt.UsedCoreNum {
		batch := idx / (mBlocks * nBlocks)
		mb, nb := (idx/nBlocks)%mBlocks, idx%nBlocks
		batchA, batchB := scheduler.BroadcastBatch(&plan.Params, batch)
		block := scheduler.BlockOffset{
			Batch: batch, BatchA: batchA, BatchB: batchB,
			MBlock: mb, NBlock: nb,
			MOffset: mb * mt.BaseM, NOffset: nb * mt.BaseN,
			MLen: min(mt.BaseM, mt.M-mb*mt.BaseM), NLen: min(mt.BaseN, mt.N-nb*mt.BaseN),
			KLen: mt.Ka, SubBlock: -1,
		}
		origin := (batch*mt.M+block.MOffset)*mt.N + block.NOffset
		role.epilogue(block, reduction[origin:], nil, mt.N)
	}
}
