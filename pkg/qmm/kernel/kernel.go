// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel is the entry point of the quantized matmul execution: it receives the fixed,
// ordered argument list with the encoded tiling blob, and dispatches to the specialization
// registered for the blob's tiling key.
//
// Everything that goes wrong here is fatal: a malformed blob, an unknown key, or buffers that
// don't match the plan panic with exceptions.Panicf.
package kernel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/internal/workerspool"
	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/pipeline"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"k8s.io/klog/v2"
)

// Args is the ordered argument list of the kernel. Optional buffers are nil.
type Args struct {
	X1, X2        *buffers.Buffer
	Bias          *buffers.Buffer
	X1Scale       *buffers.Buffer
	X2Scale       *buffers.Buffer
	X2Offset      *buffers.Buffer
	Y             *buffers.Buffer
	PreActivation *buffers.Buffer

	// Workspace must hold at least the plan's WorkspaceBytes.
	Workspace []byte

	// Tiling is the encoded plan, see tiling.Plan.EncodeBlob.
	Tiling []byte
}

// Launch runs the kernel on a default workers pool.
func Launch(args Args) {
	_ = Execute(args, nil)
}

// Execute runs the kernel on the given pool (nil for a default one) and returns the pipeline
// counters.
func Execute(args Args, pool *workerspool.Pool) pipeline.Stats {
	plan, err := tiling.DecodeBlob(args.Tiling)
	if err != nil {
		exceptions.Panicf("kernel: %+v", err)
	}
	spec, found := Lookup(plan.Key)
	if !found {
		exceptions.Panicf("kernel: no specialization registered for %s", plan.Key)
	}
	if len(args.Workspace) < plan.WorkspaceBytes {
		exceptions.Panicf("kernel: workspace of %d bytes, %s requires %d", len(args.Workspace), plan.Key, plan.WorkspaceBytes)
	}
	if args.X1.Ok() && (args.X1.DType() == dtypes.Int4) != plan.Key.Decode().Int4 {
		exceptions.Panicf("kernel: x1 dtype %s doesn't match %s", args.X1.DType(), plan.Key)
	}
	if pool == nil {
		pool = workerspool.New()
	}
	ops := pipeline.Operands{
		X1: args.X1, X2: args.X2,
		X2Scale: args.X2Scale, X1Scale: args.X1Scale,
		Bias: args.Bias, X2Offset: args.X2Offset,
		Y: args.Y, PreActivation: args.PreActivation,
	}
	klog.V(1).Infof("kernel: launching %s, blockDim=%d", plan.Key, plan.BlockDim)
	return spec.run(plan, ops, args.Workspace, pool, spec.Strategy)
}
