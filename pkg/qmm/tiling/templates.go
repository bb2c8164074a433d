// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/google/uuid"
)

// template is one family of execution templates: a predicate over the problem, and the
// planning procedure used when it accepts.
type template interface {
	// accepts returns nil if the template can plan the problem, or an ErrNotApplicable error.
	accepts(c *planContext) error

	plan(c *planContext) (*Plan, error)
}

var templates = map[Family]template{
	FamilyBasic:      basicTemplate{},
	FamilySmallM:     smallMTemplate{},
	FamilyMultiStage: multiStageTemplate{},
	FamilyPerBlock:   perBlockTemplate{},
	FamilyPerGroup:   perGroupTemplate{},
}

func acceptsNonStaged(c *planContext, family Family) error {
	if c.desc.Granularity.IsStaged() {
		return notApplicablef("%s template doesn't handle %s quantization", family, c.desc.Granularity)
	}
	return nil
}

// basicTemplate: enough blocks to occupy every core.
type basicTemplate struct{}

func (basicTemplate) accepts(c *planContext) error {
	if err := acceptsNonStaged(c, FamilyBasic); err != nil {
		return err
	}
	if units := c.units(c.primary); units < c.platform.CoreNum {
		return notApplicablef("%d units of work for %d cores", units, c.platform.CoreNum)
	}
	return nil
}

func (basicTemplate) plan(c *planContext) (*Plan, error) {
	return c.build(FamilyBasic, c.primary, 1, c.desc.K)
}

// smallMTemplate: fewer blocks than cores and K too short for split-K.
type smallMTemplate struct{}

func (smallMTemplate) accepts(c *planContext) error {
	if err := acceptsNonStaged(c, FamilySmallM); err != nil {
		return err
	}
	if units := c.units(c.primary); units >= c.platform.CoreNum {
		return notApplicablef("%d units of work already occupy %d cores", units, c.platform.CoreNum)
	}
	if c.splitKPreferred() {
		return notApplicablef("K=%d prefers split-K", c.desc.K)
	}
	return nil
}

func (smallMTemplate) plan(c *planContext) (*Plan, error) {
	b := c.primary
	if adjusted, ok := c.adjustSmallM(b); ok {
		b = adjusted
	}
	return c.build(FamilySmallM, b, 1, c.desc.K)
}

// multiStageTemplate: few blocks and a long K, decomposed across cores.
type multiStageTemplate struct{}

func (multiStageTemplate) accepts(c *planContext) error {
	if err := acceptsNonStaged(c, FamilyMultiStage); err != nil {
		return err
	}
	if !c.splitKPreferred() {
		return notApplicablef("K=%d with %d units of work doesn't need split-K", c.desc.K, c.units(c.primary))
	}
	return nil
}

func (multiStageTemplate) plan(c *planContext) (*Plan, error) {
	b, err := c.fitCapacity(c.primary)
	if err != nil {
		return nil, err
	}
	d := c.desc
	kSteps := ceilDiv(d.K, b.K)
	kSplit := min(ceilDiv(c.platform.CoreNum, c.units(b)), kSteps/max(1, c.policy.SplitKMinSteps), c.policy.MaxKSplit)
	if kSplit < 2 {
		return nil, notApplicablef("K=%d has %d steps of %d, not enough to split", d.K, kSteps, b.K)
	}
	kLen := alignUp(ceilDiv(d.K, kSplit), b.K)
	kSplit = ceilDiv(d.K, kLen)
	if kSplit < 2 {
		return nil, notApplicablef("K=%d fits one slice of %d", d.K, kLen)
	}
	return c.build(FamilyMultiStage, b, kSplit, kLen)
}

// perBlockTemplate: per-block quantization.
type perBlockTemplate struct{}

func (perBlockTemplate) accepts(c *planContext) error {
	if c.desc.Granularity != analysis.PerBlock {
		return notApplicablef("per-block template doesn't handle %s quantization", c.desc.Granularity)
	}
	return nil
}

func (perBlockTemplate) plan(c *planContext) (*Plan, error) {
	return c.build(FamilyPerBlock, c.perBlockBase(), 1, c.desc.K)
}

// perGroupTemplate: per-group quantization.
type perGroupTemplate struct{}

func (perGroupTemplate) accepts(c *planContext) error {
	if c.desc.Granularity != analysis.PerGroup {
		return notApplicablef("per-group template doesn't handle %s quantization", c.desc.Granularity)
	}
	return nil
}

func (perGroupTemplate) plan(c *planContext) (*Plan, error) {
	b, err := c.perGroupBase()
	if err != nil {
		return nil, err
	}
	return c.build(FamilyPerGroup, b, 1, c.desc.K)
}

// build runs the planning steps shared by all templates on the chosen base block.
func (c *planContext) build(family Family, b baseBlock, kSplit, kLen int) (*Plan, error) {
	b, err := c.fitCapacity(b)
	if err != nil {
		return nil, err
	}
	d := c.desc
	plan := &Plan{ID: uuid.New(), Key: c.key(family)}
	c.fillParams(plan, kSplit)
	mt := &plan.Matmul
	mt.M, mt.N, mt.Ka, mt.Kb = d.M, d.N, d.K, d.K
	mt.IsBias = d.HasBias
	c.fillL1(mt, b, kLen, family)
	c.fillCacheTiling(plan)
	mt.UsedCoreNum = min(c.platform.CoreNum, plan.Cache.MTileBlock*plan.Cache.NTileBlock*c.batchC*kSplit)
	plan.BlockDim = mt.UsedCoreNum
	c.fillWindow(plan)
	if err := c.fillUbCalc(plan); err != nil {
		return nil, err
	}
	c.fillWorkspace(plan)
	return plan, nil
}

func (c *planContext) fillParams(plan *Plan, kSplit int) {
	d := c.desc
	p := &plan.Params
	p.BatchA, p.BatchB, p.BatchC = d.BatchA, d.BatchB, d.BatchC
	p.BatchATotal, p.BatchBTotal, p.BatchCTotal = d.BatchATotal(), d.BatchBTotal(), d.BatchCTotal()
	p.TransA, p.TransB = d.TransA, d.TransB
	p.Granularity = d.Granularity
	p.IsPerTensor = d.Granularity == analysis.PerTensor
	p.IsPerToken, p.PerTokenBatched = d.PerToken, d.PerTokenBatched
	p.IsDoubleScale = d.DoubleScale
	p.BiasThreeDim = d.BiasThreeDim
	p.HasOffset, p.OffsetPerChannel = d.HasOffset, d.OffsetPerChannel
	p.Activation = d.Activation
	p.X1DType, p.X2DType, p.ScaleDType = d.X1DType, d.X2DType, d.ScaleDType
	p.X1ScaleDType, p.BiasDType, p.OutputDType = d.X1ScaleDType, d.BiasDType, d.OutputDType
	p.GroupM, p.GroupN, p.GroupK = d.GroupM, d.GroupN, d.GroupK
	p.PipelineDepth = c.depth
	p.KSplit = kSplit

	// Row strides that are a multiple of 512 bytes map concurrent cores to the same banks.
	sz := c.operand.Size()
	rowA, rowB := d.K, d.N
	if d.TransA {
		rowA = d.M
	}
	if d.TransB {
		rowB = d.K
	}
	p.ClashA = c.platform.CoreNum > 1 && rowA*sz%WorkspaceAlign == 0
	p.ClashB = c.platform.CoreNum > 1 && rowB*sz%WorkspaceAlign == 0
}
