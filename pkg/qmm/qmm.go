// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qmm computes quantized batched matrix multiplications:
//
//	y = activation(dequantize(x1 · x2) + bias)
//
// for Int8 or Int4 operands, with per-tensor, per-channel, per-block or per-group scales, on an
// in-process model of a dual-engine accelerator. QuantBatchMatmul analyzes the operand shapes,
// plans the tiling, allocates the output and the workspace, and launches the kernel.
package qmm

import (
	"runtime"

	"github.com/gomlx/qmatmul/internal/workerspool"
	"github.com/gomlx/qmatmul/pkg/core/buffers"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/kernel"
	"github.com/gomlx/qmatmul/pkg/qmm/pipeline"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensors are the operand buffers. Optional operands are nil, and must be absent from the
// corresponding analysis.Inputs as well.
type Tensors struct {
	X1, X2                           *buffers.Buffer
	X2Scale, X1Scale, Bias, X2Offset *buffers.Buffer
}

// Result of QuantBatchMatmul.
type Result struct {
	// Output is [batch..., M, N] in the requested output dtype.
	Output *buffers.Buffer

	// PreActivation holds the Float32 values before the activation, if requested with WithPreActivation.
	PreActivation *buffers.Buffer

	Plan  *tiling.Plan
	Stats pipeline.Stats
}

type config struct {
	platform      platform.Platform
	planner       *tiling.Planner
	depth         int
	policy        *tiling.Policy
	cache         *tiling.Cache
	parallelism   int
	preActivation bool
}

// Option configures QuantBatchMatmul.
type Option func(c *config)

// WithPlatform selects the platform to plan for. The default is platform.Default.
func WithPlatform(p platform.Platform) Option {
	return func(c *config) { c.platform = p }
}

// WithPlanner uses the given planner, ignoring WithPlatform, WithPolicy, WithPipelineDepth and WithCache.
func WithPlanner(planner *tiling.Planner) Option {
	return func(c *config) { c.planner = planner }
}

// WithPolicy sets the template selection policy.
func WithPolicy(policy tiling.Policy) Option {
	return func(c *config) { c.policy = &policy }
}

// WithPipelineDepth sets the number of workspace slots per core.
func WithPipelineDepth(depth int) Option {
	return func(c *config) { c.depth = depth }
}

// WithCache reuses plans across calls.
func WithCache(cache *tiling.Cache) Option {
	return func(c *config) { c.cache = cache }
}

// WithParallelism bounds the number of cores executed simultaneously. 0 runs them sequentially
// in the caller's goroutine, -1 doesn't bound them. The default is runtime.NumCPU().
func WithParallelism(parallelism int) Option {
	return func(c *config) { c.parallelism = parallelism }
}

// WithPreActivation also returns the values before the activation.
func WithPreActivation() Option {
	return func(c *config) { c.preActivation = true }
}

// QuantBatchMatmul computes the quantized matmul described by inputs over the tensors.
//
// Planning failures are returned, wrapping one of the sentinels of the analysis and tiling
// packages (tiling.ErrCapacity, analysis.ErrShapeMismatch, ...). Execution failures panic.
func QuantBatchMatmul(inputs analysis.Inputs, tensors Tensors, opts ...Option) (*Result, error) {
	c := &config{parallelism: runtime.NumCPU()}
	for _, opt := range opts {
		opt(c)
	}
	if err := checkTensors(inputs, tensors); err != nil {
		return nil, err
	}
	desc, err := analysis.Analyze(inputs)
	if err != nil {
		return nil, err
	}
	planner, err := c.newPlanner()
	if err != nil {
		return nil, err
	}
	plan, err := planner.Plan(desc)
	if err != nil {
		return nil, errors.WithMessagef(err, "planning %s", desc)
	}

	batch, err := shapes.BroadcastDims(inputs.X1.BatchDims(), inputs.X2.BatchDims())
	if err != nil {
		return nil, errors.Wrapf(analysis.ErrShapeMismatch, "batch axes: %v", err)
	}
	outDims := append(batch, desc.M, desc.N)
	res := &Result{
		Output: buffers.New(shapes.Make(desc.OutputDType, outDims...)),
		Plan:   plan,
	}
	if c.preActivation {
		res.PreActivation = buffers.New(shapes.Make(dtypes.Float32, outDims...))
	}
	klog.V(1).Infof("qmm: %s -> %s using %s", desc, res.Output.Shape(), plan.Key)
	res.Stats = kernel.Execute(kernel.Args{
		X1:            tensors.X1,
		X2:            tensors.X2,
		Bias:          tensors.Bias,
		X1Scale:       tensors.X1Scale,
		X2Scale:       tensors.X2Scale,
		X2Offset:      tensors.X2Offset,
		Y:             res.Output,
		PreActivation: res.PreActivation,
		Workspace:     make([]byte, plan.WorkspaceBytes),
		Tiling:        plan.EncodeBlob(),
	}, workerspool.NewWithParallelism(c.parallelism))
	return res, nil
}

func (c *config) newPlanner() (*tiling.Planner, error) {
	if c.planner != nil {
		return c.planner, nil
	}
	if c.platform.Name == "" {
		p, err := platform.Preset(platform.Default)
		if err != nil {
			return nil, err
		}
		c.platform = p
	}
	planner := tiling.NewPlanner(c.platform)
	if c.policy != nil {
		planner = planner.WithPolicy(*c.policy)
	}
	if c.depth > 0 {
		planner = planner.WithPipelineDepth(c.depth)
	}
	if c.cache != nil {
		planner = planner.WithCache(c.cache)
	}
	return planner, nil
}

// checkTensors verifies each tensor is present exactly when its input shape is, with that shape.
func checkTensors(in analysis.Inputs, t Tensors) error {
	for _, operand := range []struct {
		name   string
		shape  shapes.Shape
		tensor *buffers.Buffer
	}{
		{"x1", in.X1, t.X1},
		{"x2", in.X2, t.X2},
		{"x2 scale", in.X2Scale, t.X2Scale},
		{"x1 scale", in.X1Scale, t.X1Scale},
		{"bias", in.Bias, t.Bias},
		{"x2 offset", in.X2Offset, t.X2Offset},
	} {
		switch {
		case !operand.shape.Ok() && !operand.tensor.Ok():
		case operand.shape.Ok() != operand.tensor.Ok():
			return errors.WithMessagef(analysis.ErrShapeMismatch, "%s: input shape %s but tensor present=%t",
				operand.name, operand.shape, operand.tensor.Ok())
		case !operand.shape.Equal(operand.tensor.Shape()):
			return errors.WithMessagef(analysis.ErrShapeMismatch, "%s: input shape %s, tensor shape %s",
				operand.name, operand.shape, operand.tensor.Shape())
		}
	}
	return nil
}
