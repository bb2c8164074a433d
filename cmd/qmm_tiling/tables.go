// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// dimsString formats the dimensions as "2x1x3".
func dimsString(dims []int) string {
	return strings.Join(xslices.Map(dims, strconv.Itoa), "x")
}

func planTable(plan *tiling.Plan) *lgtable.Table {
	mt, p, c := &plan.Matmul, &plan.Params, &plan.Cache
	table := newPlainTable(false)
	table.Row("plan id", plan.ID.String())
	table.Row("family", plan.Family().String())
	table.Row("key", plan.Key.String())
	table.Row("M x K x N", fmt.Sprintf("%d x %d x %d", mt.M, mt.Ka, mt.N))
	table.Row("batch", fmt.Sprintf("%s (x1 %s, x2 %s)", dimsString(p.BatchC[:]), dimsString(p.BatchA[:]), dimsString(p.BatchB[:])))
	table.Row("base block", fmt.Sprintf("%d x %d x %d (fallback=%t)", mt.BaseM, mt.BaseN, mt.BaseK, mt.Fallback))
	table.Row("cores", fmt.Sprintf("%d used, blockDim=%d", mt.UsedCoreNum, plan.BlockDim))
	table.Row("units", humanize.Comma(int64(plan.TotalUnits())))
	table.Row("K slices", fmt.Sprintf("%d of %d", p.KSplit, mt.SingleCoreK))
	table.Row("L1", fmt.Sprintf("stepKa=%d stepKb=%d depthA1=%d depthB1=%d", mt.StepKa, mt.StepKb, mt.DepthA1, mt.DepthB1))
	table.Row("super-tiles", fmt.Sprintf("%d x %d of %d x %d blocks, order=%d", c.MTileCnt, c.NTileCnt,
		c.MTileBlock, c.NTileBlock, c.CalOrder))
	if w := plan.Window; w != nil {
		table.Row("tail window", fmt.Sprintf("%d rounds, %d units in the last, split %d x %d",
			w.TotalWinCnt, w.TailWinBlockCnt, w.MTailSplit, w.NTailSplit))
	}
	table.Row("vector sub-block", fmt.Sprintf("%d x %d (%s)", p.UbCalcM, p.UbCalcN, humanize.IBytes(uint64(p.NeedUbBuffer))))
	table.Row("pipeline depth", fmt.Sprintf("%d slots of %s", p.PipelineDepth, humanize.IBytes(uint64(p.SlotBytes))))
	table.Row("workspace", humanize.IBytes(uint64(plan.WorkspaceBytes)))
	return table
}
