// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/reference"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var flagSeed = flag.Uint64("seed", 1, "Seed of the random operands of -run.")

// tolerances of the relative error per output dtype, and of the absolute error for Int8.
var tolerances = map[dtypes.DType]float64{
	dtypes.BFloat16: 1e-2,
	dtypes.Float16:  2e-3,
	dtypes.Float32:  1e-4,
	dtypes.Int8:     1,
}

// run executes the plan with random operands and reports the error against the reference.
// It returns whether the error is within tolerance.
func run(planner *tiling.Planner, in analysis.Inputs) bool {
	ops := reference.RandomOperands(in, *flagSeed)
	start := time.Now()
	var res *qmm.Result
	var err error
	exception := exceptions.Try(func() {
		res, err = qmm.QuantBatchMatmul(in, qmm.Tensors{
			X1: ops.X1, X2: ops.X2, X2Scale: ops.X2Scale, X1Scale: ops.X1Scale, Bias: ops.Bias, X2Offset: ops.X2Offset,
		}, qmm.WithPlanner(planner))
	})
	if exception != nil {
		klog.Errorf("Kernel aborted: %v", exception)
		return false
	}
	if err != nil {
		klog.Errorf("Execution failed: %+v", err)
		return false
	}
	elapsed := time.Since(start)
	want := reference.Compute(must.M1(analysis.Analyze(in)), ops).Values

	var maxErr float64
	if in.OutputDType == dtypes.Int8 {
		var offset []float32
		if ops.X2Offset.Ok() {
			offset = make([]float32, ops.X2Offset.Size())
			ops.X2Offset.LoadFloat32(offset, 0)
		}
		n := res.Plan.Matmul.N
		for i, v := range buffers.Flat[int8](res.Output) {
			w := float32(want[i])
			switch len(offset) {
			case 0:
			case 1:
				w += offset[0]
			default:
				w += offset[i%n]
			}
			maxErr = max(maxErr, math.Abs(float64(v)-float64(epilogue.CastInt8(w))))
		}
	} else {
		got := make([]float32, res.Output.Size())
		res.Output.LoadFloat32(got, 0)
		for i, v := range got {
			maxErr = max(maxErr, math.Abs(float64(v)-want[i])/(1+math.Abs(want[i])))
		}
	}
	tolerance := tolerances[in.OutputDType]
	ok := maxErr <= tolerance

	s := res.Stats
	fmt.Println(titleStyle.Render("Execution"))
	table := newPlainTable(false)
	table.Row("elapsed", elapsed.String())
	table.Row("cores", humanize.Comma(int64(s.Cores)))
	table.Row("blocks", humanize.Comma(s.Blocks))
	table.Row("epilogue sub-blocks", humanize.Comma(s.SubBlocks))
	table.Row("dataReady raised/consumed", fmt.Sprintf("%s / %s", humanize.Comma(s.ReadyRaised), humanize.Comma(s.ReadyConsumed)))
	table.Row("slotFree raised/consumed", fmt.Sprintf("%s / %s", humanize.Comma(s.FreeRaised), humanize.Comma(s.FreeConsumed)))
	table.Row("priming skips / drain waits", fmt.Sprintf("%d / %d", s.PrimingSkips, s.DrainWaits))
	table.Row("workspace high-water", fmt.Sprintf("%s of %s", humanize.IBytes(uint64(s.WorkspaceHighWater)),
		humanize.IBytes(uint64(res.Plan.WorkspaceBytes))))
	table.Row("max error", fmt.Sprintf("%.3g (tolerance %.3g)", maxErr, tolerance))
	table.Row("result", map[bool]string{true: "ok", false: "FAILED"}[ok])
	fmt.Println(table.Render())
	return ok
}
