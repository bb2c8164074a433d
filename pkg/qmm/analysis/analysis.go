// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package analysis validates the operands of a quantized batched matmul and derives the
// immutable Descriptor consumed by the tiling planner: matrix extents, broadcast batch
// dimensions, transposes, dtypes and the quantization granularity.
package analysis

import (
	"fmt"
	"slices"

	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/core/shapes"
	"github.com/gomlx/qmatmul/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// MaxBatchDims is the number of sub-dimensions the batch axes are folded into.
const MaxBatchDims = 4

// Per-block quantization only supports these group sizes.
const (
	PerBlockGroupK = 128
	PerBlockGroupN = 128
	PerBlockGroupM = 128
)

// Inputs are the operand shapes and attributes of one quantized matmul call.
//
// Optional operands are left as the zero shapes.Shape (not Ok()).
type Inputs struct {
	// X1 is the activation operand, [batch..., M, K] or [batch..., K, M] if TransposeX1.
	X1 shapes.Shape

	// X2 is the weight operand, [batch..., K, N] or [batch..., N, K] if TransposeX2.
	X2 shapes.Shape

	// X2Scale is the dequantization scale of x2: [1], [N], or rank-2 for block/group quantization.
	X2Scale shapes.Shape

	// X1Scale is the optional scale of x1: [1] (double scale), [M] or [batch..., M] (per-token),
	// or rank-2 [ceil(M/groupM), K/groupK] for per-block quantization.
	X1Scale shapes.Shape

	// Bias is the optional bias, [N] or [batchC, 1, N].
	Bias shapes.Shape

	// X2Offset is the optional zero-point added before casting to an Int8 output, [1] or [N].
	X2Offset shapes.Shape

	OutputDType              dtypes.DType
	TransposeX1, TransposeX2 bool

	// GroupSize packs the block/group sizes, see PackGroupSize. Zero means "infer from the scale shapes".
	GroupSize int64

	Activation Activation
}

// Descriptor is the analyzed, immutable description of a quantized matmul.
type Descriptor struct {
	M, K, N int

	// BatchA, BatchB and BatchC are the batch axes of x1, x2 and the output folded into
	// MaxBatchDims sub-dimensions. BatchA/BatchB hold 1 where they are broadcast.
	BatchA, BatchB, BatchC [MaxBatchDims]int

	TransA, TransB bool

	X1DType, X2DType, ScaleDType, X1ScaleDType, BiasDType, OutputDType dtypes.DType

	Granularity Granularity

	// PerToken is set when x1 has a per-row scale, applied on the row axis of the output.
	PerToken bool

	// PerTokenBatched is set when the per-token scale also has the batch axes of x1.
	PerTokenBatched bool

	// DoubleScale is set when x1 carries a per-tensor scale multiplied with the x2 scale.
	DoubleScale bool

	// GroupM, GroupN, GroupK are the block/group sizes; 0 when not used.
	GroupM, GroupN, GroupK int

	HasBias, BiasThreeDim bool
	HasOffset             bool
	OffsetPerChannel      bool
	Activation            Activation
}

// BatchATotal returns the number of x1 matrices.
func (d *Descriptor) BatchATotal() int { return xslices.Product(d.BatchA[:]) }

// BatchBTotal returns the number of x2 matrices.
func (d *Descriptor) BatchBTotal() int { return xslices.Product(d.BatchB[:]) }

// BatchCTotal returns the number of output matrices.
func (d *Descriptor) BatchCTotal() int { return xslices.Product(d.BatchC[:]) }

// KGroups returns the number of K groups for block/group quantization, or 1.
func (d *Descriptor) KGroups() int {
	if d.GroupK == 0 {
		return 1
	}
	return xslices.CeilDiv(d.K, d.GroupK)
}

// HasX1Scale returns whether an x1 scale operand is present.
func (d *Descriptor) HasX1Scale() bool {
	return d.PerToken || d.DoubleScale || d.Granularity == PerBlock
}

// String returns a compact one-line description, also used as the plan cache key.
func (d *Descriptor) String() string {
	return fmt.Sprintf("M=%d K=%d N=%d batch=%v/%v/%v trans=%t/%t dtypes=%s,%s scale=%s x1scale=%s bias=%s out=%s "+
		"%s perToken=%t/%t double=%t group=%s bias3d=%t offset=%t/%t act=%s",
		d.M, d.K, d.N, d.BatchA, d.BatchB, d.BatchC, d.TransA, d.TransB, d.X1DType, d.X2DType, d.ScaleDType,
		d.X1ScaleDType, d.BiasDType, d.OutputDType, d.Granularity, d.PerToken, d.PerTokenBatched, d.DoubleScale,
		formatGroupSize(d.GroupM, d.GroupN, d.GroupK), d.BiasThreeDim, d.HasOffset, d.OffsetPerChannel, d.Activation)
}

// Analyze validates the inputs and returns the Descriptor.
//
// Failures wrap ErrShapeMismatch, ErrUnsupportedDType or ErrAlignment.
func Analyze(in Inputs) (*Descriptor, error) {
	d := &Descriptor{
		TransA:      in.TransposeX1,
		TransB:      in.TransposeX2,
		X1DType:     in.X1.DType,
		X2DType:     in.X2.DType,
		OutputDType: in.OutputDType,
		Activation:  in.Activation,
	}
	if err := d.analyzeMatrices(in); err != nil {
		return nil, err
	}
	if err := d.analyzeBatch(in); err != nil {
		return nil, err
	}
	if err := d.analyzeScales(in); err != nil {
		return nil, err
	}
	if err := d.analyzeBias(in); err != nil {
		return nil, err
	}
	if err := d.analyzeOutput(in); err != nil {
		return nil, err
	}
	klog.V(2).Infof("analysis: %s", d)
	return d, nil
}

func (d *Descriptor) analyzeMatrices(in Inputs) error {
	if !in.X1.Ok() || !in.X2.Ok() {
		return shapeErrorf("x1 %s and x2 %s are both required", in.X1, in.X2)
	}
	if in.X1.Rank() < 2 || in.X2.Rank() < 2 {
		return shapeErrorf("x1 %s and x2 %s must have rank >= 2", in.X1, in.X2)
	}
	if in.X1.DType != in.X2.DType || (in.X1.DType != dtypes.Int8 && in.X1.DType != dtypes.Int4) {
		return dtypeErrorf("operands must be both Int8 or both Int4, got x1 %s and x2 %s", in.X1.DType, in.X2.DType)
	}
	if d.TransA {
		d.K, d.M = in.X1.Dim(-2), in.X1.Dim(-1)
	} else {
		d.M, d.K = in.X1.Dim(-2), in.X1.Dim(-1)
	}
	var kb int
	if d.TransB {
		d.N, kb = in.X2.Dim(-2), in.X2.Dim(-1)
	} else {
		kb, d.N = in.X2.Dim(-2), in.X2.Dim(-1)
	}
	if kb != d.K {
		return shapeErrorf("contracting dimension of x1 %s (K=%d, transposed=%t) and x2 %s (K=%d, transposed=%t) differ",
			in.X1, d.K, d.TransA, in.X2, kb, d.TransB)
	}
	if in.X1.DType.IsSubByte() {
		// Rows of packed operands must start at a byte boundary.
		if in.X1.Dim(-1)%2 != 0 || in.X2.Dim(-1)%2 != 0 {
			return alignmentErrorf("Int4 operands need an even innermost dimension, got x1 %s and x2 %s", in.X1, in.X2)
		}
	}
	return nil
}

// analyzeBatch broadcasts the batch axes of x1 and x2 and folds them into MaxBatchDims sub-dimensions.
func (d *Descriptor) analyzeBatch(in Inputs) error {
	batchA, batchB := in.X1.BatchDims(), in.X2.BatchDims()
	batchC, err := shapes.BroadcastDims(batchA, batchB)
	if err != nil {
		return shapeErrorf("batch axes of x1 %s and x2 %s: %v", in.X1, in.X2, err)
	}
	rank := len(batchC)
	padded := func(dims []int) []int {
		out := slices.Repeat([]int{1}, rank-len(dims))
		return append(out, dims...)
	}
	batchA, batchB = padded(batchA), padded(batchB)
	if rank > MaxBatchDims {
		// Leading axes are merged: that only preserves broadcasting if each operand either
		// matches the output on all of them, or is broadcast on all of them.
		lead := rank - MaxBatchDims + 1
		for _, operand := range [][]int{batchA, batchB} {
			full := slices.Equal(operand[:lead], batchC[:lead])
			broadcast := xslices.Product(operand[:lead]) == 1
			if !full && !broadcast {
				return shapeErrorf("batch axes %v can't be folded into %d sub-dimensions for output batch %v",
					operand, MaxBatchDims, batchC)
			}
		}
	}
	copy(d.BatchA[:], xslices.Fold(batchA, MaxBatchDims))
	copy(d.BatchB[:], xslices.Fold(batchB, MaxBatchDims))
	copy(d.BatchC[:], xslices.Fold(batchC, MaxBatchDims))
	return nil
}

func (d *Descriptor) analyzeScales(in Inputs) error {
	scale := in.X2Scale
	if !scale.Ok() {
		return shapeErrorf("x2 scale is required")
	}
	switch scale.DType {
	case dtypes.Float32, dtypes.BFloat16, dtypes.Int64, dtypes.Uint64:
	default:
		return dtypeErrorf("x2 scale dtype %s not supported", scale.DType)
	}
	d.ScaleDType = scale.DType
	if in.X1Scale.Ok() {
		if in.X1Scale.DType != dtypes.Float32 {
			return dtypeErrorf("x1 scale must be Float32, got %s", in.X1Scale.DType)
		}
		d.X1ScaleDType = dtypes.Float32
	}

	switch scale.Rank() {
	case 1:
		if in.GroupSize != 0 {
			_, _, gk := UnpackGroupSize(in.GroupSize)
			if gk != 0 {
				return shapeErrorf("group size %d given, but x2 scale %s is not rank-2", in.GroupSize, scale)
			}
		}
		switch scale.Dim(0) {
		case 1:
			d.Granularity = PerTensor
		case d.N:
			d.Granularity = PerChannel
		default:
			return shapeErrorf("x2 scale %s must be [1] or [N=%d]", scale, d.N)
		}
		return d.analyzeX1Scale(in)
	case 2:
		return d.analyzeGroupScales(in)
	default:
		return shapeErrorf("x2 scale %s must have rank 1 or 2", scale)
	}
}

// analyzeX1Scale handles the x1 scale for per-tensor/per-channel/per-group x2 scales.
func (d *Descriptor) analyzeX1Scale(in Inputs) error {
	x1Scale := in.X1Scale
	if !x1Scale.Ok() {
		return nil
	}
	if x1Scale.Rank() == 1 && x1Scale.Dim(0) == 1 && d.M != 1 {
		if d.Granularity == PerGroup {
			return shapeErrorf("per-group quantization doesn't support a per-tensor x1 scale")
		}
		d.DoubleScale = true
		return nil
	}
	if x1Scale.Dim(-1) != d.M {
		return shapeErrorf("per-token scale %s must end with M=%d", x1Scale, d.M)
	}
	switch {
	case x1Scale.Rank() == 1:
		d.PerToken = true
	case slices.Equal(x1Scale.Dimensions[:x1Scale.Rank()-1], in.X1.BatchDims()):
		d.PerToken = true
		d.PerTokenBatched = d.BatchATotal() > 1
	default:
		return shapeErrorf("per-token scale %s must be [M] or [batch..., M] with the batch axes of x1 %s", x1Scale, in.X1)
	}
	return nil
}

// analyzeGroupScales handles rank-2 x2 scales: per-block and per-group quantization.
func (d *Descriptor) analyzeGroupScales(in Inputs) error {
	scale := in.X2Scale
	gm, gn, gk := UnpackGroupSize(in.GroupSize)
	kDim, nDim := scale.Dim(0), scale.Dim(1)
	if d.TransB {
		kDim, nDim = nDim, kDim
	}
	if gk == 0 {
		// Infer from the scale shapes.
		if kDim == 0 || d.K%kDim != 0 {
			return alignmentErrorf("can't infer groupK: K=%d not divisible by the scale's K groups %d", d.K, kDim)
		}
		gk = d.K / kDim
		if gn == 0 {
			if nDim == d.N {
				gn = 1
			} else {
				gn = PerBlockGroupN
			}
		}
		if gm == 0 && in.X1Scale.Ok() && in.X1Scale.Rank() == 2 {
			mDim := in.X1Scale.Dim(0)
			if d.TransA {
				mDim = in.X1Scale.Dim(1)
			}
			if mDim == d.M {
				gm = 1
			} else {
				gm = PerBlockGroupM
			}
		}
	}
	if d.K%gk != 0 {
		return alignmentErrorf("groupK=%d must divide K=%d", gk, d.K)
	}
	kGroups := d.K / gk
	d.GroupK = gk

	if gn > 1 {
		d.Granularity = PerBlock
		if gm == 0 {
			gm = 1
		}
		if gk != PerBlockGroupK || gn != PerBlockGroupN || (gm != 1 && gm != PerBlockGroupM) {
			return shapeErrorf("per-block quantization requires group sizes [1 or 128, 128, 128], got %s",
				formatGroupSize(gm, gn, gk))
		}
		d.GroupM, d.GroupN = gm, gn
		if kDim != kGroups || nDim != xslices.CeilDiv(d.N, gn) {
			return shapeErrorf("per-block x2 scale %s must be [ceil(K/groupK)=%d, ceil(N/groupN)=%d] (transposed if x2 is)",
				scale, kGroups, xslices.CeilDiv(d.N, gn))
		}
		x1Scale := in.X1Scale
		if !x1Scale.Ok() || x1Scale.Rank() != 2 {
			return shapeErrorf("per-block quantization requires a rank-2 x1 scale, got %s", x1Scale)
		}
		mDim, k1Dim := x1Scale.Dim(0), x1Scale.Dim(1)
		if d.TransA {
			mDim, k1Dim = k1Dim, mDim
		}
		if mDim != xslices.CeilDiv(d.M, gm) || k1Dim != kGroups {
			return shapeErrorf("per-block x1 scale %s must be [ceil(M/groupM)=%d, ceil(K/groupK)=%d] (transposed if x1 is)",
				x1Scale, xslices.CeilDiv(d.M, gm), kGroups)
		}
		return nil
	}

	d.Granularity = PerGroup
	d.GroupN = 1
	if gm > 1 {
		return shapeErrorf("per-group quantization doesn't support groupM=%d", gm)
	}
	if kDim != kGroups || nDim != d.N {
		return shapeErrorf("per-group x2 scale %s must be [ceil(K/groupK)=%d, N=%d] (transposed if x2 is)",
			scale, kGroups, d.N)
	}
	if in.X1Scale.Ok() && in.X1Scale.Rank() != 1 {
		return shapeErrorf("per-group quantization only supports a per-token x1 scale, got %s", in.X1Scale)
	}
	return d.analyzeX1Scale(in)
}

func (d *Descriptor) analyzeBias(in Inputs) error {
	bias := in.Bias
	if !bias.Ok() {
		return nil
	}
	d.HasBias = true
	d.BiasDType = bias.DType
	switch {
	case bias.DType == dtypes.Int32:
		if d.Granularity.IsStaged() {
			return dtypeErrorf("Int32 bias is not supported with %s quantization", d.Granularity)
		}
	case bias.DType == dtypes.Float32:
	case bias.DType.IsFloat16():
		if d.OutputDType != bias.DType {
			return dtypeErrorf("%s bias requires %s output, got %s", bias.DType, bias.DType, d.OutputDType)
		}
	default:
		return dtypeErrorf("bias dtype %s not supported", bias.DType)
	}
	switch {
	case bias.Rank() == 1 && bias.Dim(0) == d.N:
	case bias.Rank() == 3 && bias.Dim(0) == d.BatchCTotal() && bias.Dim(1) == 1 && bias.Dim(2) == d.N:
		d.BiasThreeDim = true
	default:
		return shapeErrorf("bias %s must be [N=%d] or [batch=%d, 1, N=%d]", bias, d.N, d.BatchCTotal(), d.N)
	}
	return nil
}

func (d *Descriptor) analyzeOutput(in Inputs) error {
	switch d.OutputDType {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32:
	case dtypes.Int8:
		if d.Granularity.IsStaged() || d.PerToken || d.Activation != ActivationNone {
			return dtypeErrorf("Int8 output requires per-tensor or per-channel quantization, "+
				"without per-token scale or activation (got %s, perToken=%t, activation=%s)",
				d.Granularity, d.PerToken, d.Activation)
		}
	default:
		return dtypeErrorf("output dtype %s not supported", d.OutputDType)
	}
	if in.Activation < ActivationNone || in.Activation > ActivationGeluErf {
		return dtypeErrorf("activation %d not supported", in.Activation)
	}
	if offset := in.X2Offset; offset.Ok() {
		if d.OutputDType != dtypes.Int8 {
			return dtypeErrorf("x2 offset is only supported with Int8 output, got %s", d.OutputDType)
		}
		if offset.DType != dtypes.Float32 {
			return dtypeErrorf("x2 offset must be Float32, got %s", offset.DType)
		}
		switch {
		case offset.Rank() == 1 && offset.Dim(0) == 1:
		case offset.Rank() == 1 && offset.Dim(0) == d.N:
			d.OffsetPerChannel = true
		default:
			return shapeErrorf("x2 offset %s must be [1] or [N=%d]", offset, d.N)
		}
		d.HasOffset = true
	}
	return nil
}
