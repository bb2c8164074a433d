// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of an operand.
//
// Example: a row-major int8 matrix with 60 rows and 787 columns has shape `(Int8)[60 787]`,
// created with `shapes.Make(dtypes.Int8, 60, 787)`.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of an operand.
//   - Axis: the index of a dimension.
//   - Dimension: the size of the operand in one of its axes.
//   - Batch dimensions: all axes but the last two of a matrix operand.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Shape of an operand: its DType and Dimensions (row-major).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape, used for absent optional operands.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store the shape, rounding sub-byte dtypes up to a whole byte.
func (s Shape) Memory() int {
	return s.DType.SizeForDimensions(s.Dimensions...)
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// BatchDims returns the dimensions of all axes but the last two, the batch axes of a matrix operand.
// It returns nil for ranks <= 2.
func (s Shape) BatchDims() []int {
	if s.Rank() <= 2 {
		return nil
	}
	return slices.Clone(s.Dimensions[:s.Rank()-2])
}

// BroadcastDims returns the numpy-style broadcast of two lists of dimensions:
// the shorter one is left-padded with 1s, and axes of dimension 1 expand to the other side.
func BroadcastDims(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for ii := range rank {
		dimA, dimB := 1, 1
		if jj := ii - (rank - len(a)); jj >= 0 {
			dimA = a[jj]
		}
		if jj := ii - (rank - len(b)); jj >= 0 {
			dimB = b[jj]
		}
		switch {
		case dimA == dimB || dimB == 1:
			out[ii] = dimA
		case dimA == 1:
			out[ii] = dimB
		default:
			return nil, errors.Errorf("dimensions %v and %v cannot be broadcast (axis %d: %d vs %d)", a, b, ii, dimA, dimB)
		}
	}
	return out, nil
}
