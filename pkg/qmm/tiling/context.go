// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
)

// planContext carries the inputs of one planning call shared by all templates.
type planContext struct {
	desc     *analysis.Descriptor
	platform platform.Platform
	policy   Policy
	depth    int

	// operand is the dtype the compute engine reads: Int4 operands are unpacked to Int8 first.
	operand dtypes.DType

	batchC int

	// primary is the unconstrained base block, used by the template predicates.
	primary baseBlock
}

func newPlanContext(desc *analysis.Descriptor, p platform.Platform, policy Policy, depth int) *planContext {
	c := &planContext{
		desc:     desc,
		platform: p,
		policy:   policy,
		depth:    depth,
		operand:  dtypes.Int8,
		batchC:   desc.BatchCTotal(),
	}
	c.primary = c.primaryBase()
	return c
}

// validate checks the descriptor constraints that depend on the platform alignment.
func (c *planContext) validate() error {
	d := c.desc
	if d.M <= 0 || d.K <= 0 || d.N <= 0 {
		return shapeErrorf("matrix extents must be positive, got M=%d K=%d N=%d", d.M, d.K, d.N)
	}
	if d.GroupK > 0 {
		if d.K%d.GroupK != 0 {
			return alignmentErrorf("groupK=%d must divide K=%d", d.GroupK, d.K)
		}
		if d.Granularity.IsStaged() && d.GroupK%c.alignK() != 0 {
			return alignmentErrorf("groupK=%d must be a multiple of %d elements", d.GroupK, c.alignK())
		}
	}
	if d.X1DType == dtypes.Int4 && d.K%2 != 0 {
		return alignmentErrorf("Int4 operands need an even K, got %d", d.K)
	}
	return nil
}

// units returns the number of units of work with the given base block, before split-K.
func (c *planContext) units(b baseBlock) int {
	return ceilDiv(c.desc.M, b.M) * ceilDiv(c.desc.N, b.N) * c.batchC
}

// splitKPreferred returns whether K is long enough, and the problem small enough, to
// decompose K across cores.
func (c *planContext) splitKPreferred() bool {
	return c.desc.K >= c.policy.SplitKMinK && c.units(c.primary)*2 <= c.platform.CoreNum
}

// key returns the tiling key of a plan of the given family.
func (c *planContext) key(family Family) Key {
	d := c.desc
	return KeyFields{
		TransA:      d.TransA,
		TransB:      d.TransB,
		Family:      family,
		Granularity: d.Granularity,
		PerToken:    d.PerToken,
		NeedsClean:  family == FamilyMultiStage,
		Epilogue:    epilogue.KindFor(d.HasBias, d.Activation),
		Int4:        d.X1DType == dtypes.Int4,
	}.Encode()
}

func shapeErrorf(format string, args ...any) error {
	return wrapf(ErrShapeMismatch, format, args...)
}

func alignmentErrorf(format string, args ...any) error {
	return wrapf(ErrAlignment, format, args...)
}
