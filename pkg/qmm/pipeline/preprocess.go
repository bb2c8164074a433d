// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/qmatmul/pkg/core/buffers"
)

// unpackChunk is the number of Int4 values unpacked by one task.
const unpackChunk = 64 * 1024

// unpackInt4 expands the packed Int4 operands into Int8 in the preprocess regions of the
// workspace, before any core starts.
func (e *Executor) unpackInt4() {
	p := &e.plan.Params
	type job struct {
		packed []uint8
		dst    []int8
		start  int
	}
	var jobs []job
	for _, op := range []struct {
		packed []uint8
		dst    []int8
	}{
		{buffers.Flat[uint8](e.ops.X1), e.a},
		{buffers.Flat[uint8](e.ops.X2), e.b},
	} {
		for start := 0; start < len(op.dst); start += unpackChunk {
			jobs = append(jobs, job{op.packed, op.dst[start:min(start+unpackChunk, len(op.dst))], start})
		}
	}
	e.pool.Run(len(jobs), func(idx int) {
		j := jobs[idx]
		buffers.UnpackInt4(j.packed, j.start, j.dst)
	})
	e.counters.touch(p.PreprocessBOffset + len(e.b))
}
