// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/scheduler"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
)

// computeRole holds the core-local staging buffers of the compute engine: the L1 panels of
// both operands, packed row-major along K, and the L0C partial sums of staged accumulation.
type computeRole struct {
	e      *Executor
	core   int
	chunkK int

	aPanel, bPanel []int8
	partial        []int32
}

func newComputeRole(e *Executor, core int) *computeRole {
	mt := &e.plan.Matmul
	chunkK := min(mt.StepKa, mt.StepKb) * mt.BaseK
	r := &computeRole{
		e:      e,
		core:   core,
		chunkK: chunkK,
		aPanel: make([]int8, mt.BaseM*chunkK),
		bPanel: make([]int8, mt.BaseN*chunkK),
	}
	if e.staged {
		r.partial = make([]int32, mt.BaseM*mt.BaseN)
	}
	return r
}

// compute accumulates the block into the slot, row-major with stride BaseN: Int32 sums for
// single-pass dequantization, Float32 already scaled sums for staged quantization.
func (r *computeRole) compute(block scheduler.BlockOffset, slot []byte) {
	e := r.e
	mt, p := &e.plan.Matmul, &e.plan.Params
	numChunks := xslices.CeilDiv(block.KLen, r.chunkK)
	if !e.staged {
		acc := int32View(slot)
		clear(acc)
		start := 0
		if p.ClashA || p.ClashB {
			// Integer sums don't depend on the order: stagger the K start across cores.
			start = r.core % numChunks
		}
		for i := range numChunks {
			k0, kLen := r.chunk(block, (start+i)%numChunks)
			r.pack(block, k0, kLen)
			dotInt8(acc, mt.BaseN, r.aPanel, r.bPanel, block.MLen, block.NLen, kLen, kLen)
		}
		return
	}

	acc := float32View(slot)
	for i := range numChunks {
		k0, kLen := r.chunk(block, i)
		r.pack(block, k0, kLen)
		for s0 := 0; s0 < kLen; s0 += mt.BaseK {
			stageLen := min(mt.BaseK, kLen-s0)
			clear(r.partial)
			dotInt8(r.partial, mt.BaseN, r.aPanel[s0:], r.bPanel[s0:], block.MLen, block.NLen, stageLen, kLen)
			r.applyStageScales(acc, block, (k0+s0)/p.GroupK, i == 0 && s0 == 0)
		}
	}
}

func (r *computeRole) chunk(block scheduler.BlockOffset, idx int) (k0, kLen int) {
	k0 = block.KOffset + idx*r.chunkK
	return k0, min(r.chunkK, block.KOffset+block.KLen-k0)
}

// pack copies the [k0, k0+kLen) range of the block's rows of x1 and columns of x2 into the
// panels, each row contiguous along K with stride kLen.
func (r *computeRole) pack(block scheduler.BlockOffset, k0, kLen int) {
	e := r.e
	mt, p := &e.plan.Matmul, &e.plan.Params
	m, n, k := mt.M, mt.N, mt.Ka
	aBase := block.BatchA * m * k
	for i := range block.MLen {
		row := block.MOffset + i
		dst := r.aPanel[i*kLen : (i+1)*kLen]
		if !p.TransA {
			start := aBase + row*k + k0
			copy(dst, e.a[start:start+kLen])
			continue
		}
		for kk := range kLen {
			dst[kk] = e.a[aBase+(k0+kk)*m+row]
		}
	}
	bBase := block.BatchB * k * n
	for j := range block.NLen {
		col := block.NOffset + j
		dst := r.bPanel[j*kLen : (j+1)*kLen]
		if p.TransB {
			start := bBase + col*k + k0
			copy(dst, e.b[start:start+kLen])
			continue
		}
		for kk := range kLen {
			dst[kk] = e.b[bBase+(k0+kk)*n+col]
		}
	}
}

// applyStageScales dequantizes the stage's partial sums with the scales of K group kg and
// writes (first stage) or adds them to the Float32 accumulators.
func (r *computeRole) applyStageScales(acc []float32, block scheduler.BlockOffset, kg int, first bool) {
	e := r.e
	mt, p := &e.plan.Matmul, &e.plan.Params
	kGroups := mt.Ka / p.GroupK
	nGroups := xslices.CeilDiv(mt.N, p.GroupN)
	for i := range block.MLen {
		x1 := float32(1)
		if p.Granularity == analysis.PerBlock {
			mg, mGroups := (block.MOffset+i)/p.GroupM, xslices.CeilDiv(mt.M, p.GroupM)
			if p.TransA {
				x1 = e.blockScale[kg*mGroups+mg]
			} else {
				x1 = e.blockScale[mg*kGroups+kg]
			}
		}
		row := acc[i*mt.BaseN : i*mt.BaseN+block.NLen]
		partial := r.partial[i*mt.BaseN : i*mt.BaseN+block.NLen]
		for j, sum := range partial {
			ng := (block.NOffset + j) / p.GroupN
			var x2 float32
			if p.TransB {
				x2 = e.groupScale[ng*kGroups+kg]
			} else {
				x2 = e.groupScale[kg*nGroups+ng]
			}
			v := float32(sum) * x2 * x1
			if first {
				row[j] = v
			} else {
				row[j] += v
			}
		}
	}
}

// dotInt8 adds the products of the rows of a by the rows of b (both packed along K with
// stride panelStride) to acc, a rows x cols block with stride accStride.
func dotInt8(acc []int32, accStride int, a, b []int8, rows, cols, kLen, panelStride int) {
	for i := range rows {
		aRow := a[i*panelStride : i*panelStride+kLen]
		out := acc[i*accStride : i*accStride+cols]
		j := 0
		// Four columns at a time, reusing the loaded x1 values.
		for ; j+3 < cols; j += 4 {
			b0 := b[j*panelStride : j*panelStride+kLen]
			b1 := b[(j+1)*panelStride : (j+1)*panelStride+kLen]
			b2 := b[(j+2)*panelStride : (j+2)*panelStride+kLen]
			b3 := b[(j+3)*panelStride : (j+3)*panelStride+kLen]
			var s0, s1, s2, s3 int32
			for k, av := range aRow {
				x := int32(av)
				s0 += x * int32(b0[k])
				s1 += x * int32(b1[k])
				s2 += x * int32(b2[k])
				s3 += x * int32(b3[k])
			}
			out[j] += s0
			out[j+1] += s1
			out[j+2] += s2
			out[j+3] += s3
		}
		for ; j < cols; j++ {
			bRow := b[j*panelStride : j*panelStride+kLen]
			var s int32
			for k, av := range aRow {
				s += int32(av) * int32(bRow[k])
			}
			out[j] += s
		}
	}
}
