// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
	"github.com/pkg/errors"
)

var (
	flagM      = flag.Int("m", 60, "Rows of x1 and of the output.")
	flagK      = flag.Int("k", 787, "Contracting dimension.")
	flagN      = flag.Int("n", 11, "Columns of x2 and of the output.")
	flagBatchA = xslices.IntsFlag("batch_a", nil, "Comma-separated batch dimensions of x1, e.g. \"2,1\".")
	flagBatchB = xslices.IntsFlag("batch_b", nil, "Comma-separated batch dimensions of x2.")
	flagTransA = flag.Bool("trans_a", false, "x1 is stored transposed, [batch..., K, M].")
	flagTransB = flag.Bool("trans_b", false, "x2 is stored transposed, [batch..., N, K].")
	flagDType  = flag.String("dtype", "int8", "Operands dtype: int8 or int4.")
	flagOut    = flag.String("out", "bf16", "Output dtype: bf16, fp16, fp32 or int8.")
	flagScale  = flag.String("scale", "tensor", "x2 scale granularity: tensor, channel, block or group.")
	flagGroupK = flag.Int("group_k", 128, "K group size for block and group scales.")
	flagGroupM = flag.Int("group_m", analysis.PerBlockGroupM, "M group size of the x1 block scales.")
	flagGroupN = flag.Int("group_n", analysis.PerBlockGroupN, "N group size of the x2 block scales.")
	flagToken  = flag.Bool("per_token", false, "Use a per-token x1 scale (not for block scales).")
	flagDouble = flag.Bool("double_scale", false, "Use a per-tensor x1 scale multiplied with the x2 scale (not with -per_token).")
	flagBias   = flag.String("bias", "fp32", "Bias dtype: none, int32, fp32, bf16 or fp16.")
	flagOffset = flag.String("offset", "none", "x2 zero-point offset for int8 outputs: none, tensor or channel.")
	flagAct    = flag.String("act", "none", "Activation: none, gelu_tanh or gelu_erf.")
)

// checkDims returns an error if any of the dimensions given to the flag is not positive.
func checkDims(name string, dims []int) error {
	for _, dim := range dims {
		if dim <= 0 {
			return errors.Errorf("invalid dimension %d in -%s=%v", dim, name, dims)
		}
	}
	return nil
}

// matrixShape returns the shape of a batch of rows x cols matrices, swapped if transposed.
func matrixShape(dtype dtypes.DType, batch []int, rows, cols int, transposed bool) shapes.Shape {
	if transposed {
		rows, cols = cols, rows
	}
	return shapes.Make(dtype, append(append([]int{}, batch...), rows, cols)...)
}

// inputsFromFlags builds the operand shapes and attributes described by the flags.
func inputsFromFlags() (in analysis.Inputs, err error) {
	m, k, n := *flagM, *flagK, *flagN
	batchA, batchB := *flagBatchA, *flagBatchB
	if err = checkDims("batch_a", batchA); err != nil {
		return
	}
	if err = checkDims("batch_b", batchB); err != nil {
		return
	}
	if *flagToken && *flagDouble {
		return in, errors.New("-per_token and -double_scale are exclusive: both set the x1 scale")
	}
	operand, err := dtypes.Parse(*flagDType)
	if err != nil {
		return
	}
	in.OutputDType, err = dtypes.Parse(*flagOut)
	if err != nil {
		return
	}
	granularity, err := analysis.ParseGranularity(*flagScale)
	if err != nil {
		return
	}
	in.Activation, err = analysis.ParseActivation(*flagAct)
	if err != nil {
		return
	}
	in.TransposeX1, in.TransposeX2 = *flagTransA, *flagTransB
	in.X1 = matrixShape(operand, batchA, m, k, in.TransposeX1)
	in.X2 = matrixShape(operand, batchB, k, n, in.TransposeX2)

	gk := *flagGroupK
	switch granularity {
	case analysis.PerTensor:
		in.X2Scale = shapes.Make(dtypes.Float32, 1)
	case analysis.PerChannel:
		in.X2Scale = shapes.Make(dtypes.Float32, n)
	case analysis.PerBlock:
		gm, gn := *flagGroupM, *flagGroupN
		in.GroupSize = analysis.PackGroupSize(gm, gn, gk)
		in.X2Scale = matrixShape(dtypes.Float32, nil, xslices.CeilDiv(k, gk), xslices.CeilDiv(n, gn), in.TransposeX2)
		in.X1Scale = matrixShape(dtypes.Float32, nil, xslices.CeilDiv(m, gm), xslices.CeilDiv(k, gk), in.TransposeX1)
	case analysis.PerGroup:
		in.GroupSize = analysis.PackGroupSize(0, 1, gk)
		in.X2Scale = matrixShape(dtypes.Float32, nil, xslices.CeilDiv(k, gk), n, in.TransposeX2)
	}
	if granularity != analysis.PerBlock {
		switch {
		case *flagToken:
			in.X1Scale = shapes.Make(dtypes.Float32, append(append([]int{}, batchA...), m)...)
		case *flagDouble:
			in.X1Scale = shapes.Make(dtypes.Float32, 1)
		}
	}

	if *flagBias != "none" {
		biasDType, parseErr := dtypes.Parse(*flagBias)
		if parseErr != nil {
			return in, parseErr
		}
		in.Bias = shapes.Make(biasDType, n)
	}
	switch *flagOffset {
	case "none":
	case "tensor":
		in.X2Offset = shapes.Make(dtypes.Float32, 1)
	case "channel":
		in.X2Offset = shapes.Make(dtypes.Float32, n)
	default:
		return in, errors.Errorf("invalid -offset=%q", *flagOffset)
	}
	return in, nil
}

func planInputs(planner *tiling.Planner, in analysis.Inputs) (*tiling.Plan, *analysis.Descriptor, error) {
	desc, err := analysis.Analyze(in)
	if err != nil {
		return nil, nil, err
	}
	plan, err := planner.Plan(desc)
	return plan, desc, err
}
