// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/scheduler"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

var (
	sweepM = []int{1, 16, 60, 256, 1000}
	sweepK = []int{64, 787, 4096, 8192}
	sweepN = []int{11, 64, 700}
)

type sweepCase struct {
	m, k, n        int
	transA, transB bool
}

func (c sweepCase) String() string {
	return fmt.Sprintf("M=%d K=%d N=%d trans=%t/%t", c.m, c.k, c.n, c.transA, c.transB)
}

func (c sweepCase) inputs() analysis.Inputs {
	return analysis.Inputs{
		X1:          matrixShape(dtypes.Int8, nil, c.m, c.k, c.transA),
		X2:          matrixShape(dtypes.Int8, nil, c.k, c.n, c.transB),
		X2Scale:     shapes.Make(dtypes.Float32, c.n),
		OutputDType: dtypes.Float16,
		TransposeX1: c.transA,
		TransposeX2: c.transB,
	}
}

// sweep plans the grid of shapes, validating each plan and checking every output element is
// covered exactly once per K slice. It returns the number of failures.
func sweep(planner *tiling.Planner) (failures int) {
	var cases []sweepCase
	for _, m := range sweepM {
		for _, k := range sweepK {
			for _, n := range sweepN {
				for _, trans := range [][2]bool{{false, false}, {true, false}, {false, true}, {true, true}} {
					cases = append(cases, sweepCase{m, k, n, trans[0], trans[1]})
				}
			}
		}
	}

	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	bar := progressbar.NewOptions(len(cases),
		progressbar.OptionSetDescription("planning"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	families := make(map[tiling.Family]int)
	failed := newPlainTable(true).Headers("Shape", "Error")
	for _, c := range cases {
		plan, _, err := planInputs(planner, c.inputs())
		if err == nil {
			err = plan.Validate()
		}
		if err == nil {
			err = checkCoverage(plan)
		}
		if err != nil {
			failures++
			failed.Row(c.String(), err.Error())
		} else {
			families[plan.Family()]++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	out.ShowCursor()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Sweep of %d shapes on %s", len(cases), planner.Platform().Name)))
	table := newPlainTable(true).Headers("Family", "Plans")
	for f := range tiling.NumFamilies {
		table.Row(f.String(), humanize.Comma(int64(families[f])))
	}
	fmt.Println(table.Render())
	if failures > 0 {
		fmt.Println(failed.Render())
	}
	return failures
}

// checkCoverage walks the schedule of every core and checks each output element of each K
// slice is produced exactly once.
func checkCoverage(plan *tiling.Plan) error {
	mt := &plan.Matmul
	batch, kSplit := plan.Params.BatchCTotal, plan.Params.KSplit
	counts := make([]uint8, batch*kSplit*mt.M*mt.N)
	for core := range mt.UsedCoreNum {
		for b := range scheduler.New(plan, core).All() {
			for i := range b.MLen {
				row := ((b.Batch*kSplit+b.KSlice)*mt.M+b.MOffset+i)*mt.N + b.NOffset
				for j := range b.NLen {
					counts[row+j]++
				}
			}
		}
	}
	for idx, count := range counts {
		if count != 1 {
			return errors.Errorf("element %d of the [batch, kSlice, M, N] grid covered %d times", idx, count)
		}
	}
	return nil
}
