// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling implements the host-side planner of the quantized matmul: from an analyzed
// Descriptor and a platform capability record it derives a static Plan (base blocks, core
// assignment, L2 super-tiles, vector sub-blocks, workspace layout) and the tiling Key selecting
// the execution specialization.
//
// Several mutually exclusive template families can plan a problem. The Planner tries them in
// the priority order of its Policy and the first whose predicate accepts the problem wins.
package tiling

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPipelineDepth is the number of workspace slots (ping/pong) per core.
const DefaultPipelineDepth = 2

// Policy holds the tunable thresholds of template selection.
type Policy struct {
	// Priority is the order in which template families are tried.
	Priority []Family

	// SplitKMinK is the smallest K for which the multi-stage template decomposes K across cores.
	SplitKMinK int

	// SplitKMinSteps is the minimum number of baseK steps in each K slice.
	SplitKMinSteps int

	// MaxKSplit caps the number of K slices.
	MaxKSplit int

	// L2BudgetDivisor: super-tiles are sized to fit L2Size / L2BudgetDivisor.
	L2BudgetDivisor int
}

// DefaultPolicy returns the default template selection policy.
func DefaultPolicy() Policy {
	return Policy{
		Priority:        []Family{FamilyBasic, FamilySmallM, FamilyMultiStage, FamilyPerBlock, FamilyPerGroup},
		SplitKMinK:      4096,
		SplitKMinSteps:  4,
		MaxKSplit:       8,
		L2BudgetDivisor: 2,
	}
}

// String is used to key the plan cache.
func (p Policy) String() string {
	return fmt.Sprintf("%v/%d/%d/%d/%d", p.Priority, p.SplitKMinK, p.SplitKMinSteps, p.MaxKSplit, p.L2BudgetDivisor)
}

// Planner creates Plans for one platform. It is configured with the With* methods before use,
// and is safe for concurrent use afterwards.
type Planner struct {
	platform platform.Platform
	policy   Policy
	depth    int
	cache    *Cache
}

// NewPlanner returns a planner for the given platform, with the default policy and pipeline depth.
func NewPlanner(p platform.Platform) *Planner {
	return &Planner{
		platform: p,
		policy:   DefaultPolicy(),
		depth:    DefaultPipelineDepth,
	}
}

// WithPolicy sets the template selection policy.
func (pl *Planner) WithPolicy(policy Policy) *Planner {
	pl.policy = policy
	return pl
}

// WithPriority sets the order in which the template families are tried.
func (pl *Planner) WithPriority(families ...Family) *Planner {
	pl.policy.Priority = slices.Clone(families)
	return pl
}

// WithPipelineDepth sets the number of workspace slots per core. It must be >= 1.
func (pl *Planner) WithPipelineDepth(depth int) *Planner {
	if depth < 1 {
		exceptions.Panicf("tiling.Planner.WithPipelineDepth(%d): depth must be >= 1", depth)
	}
	pl.depth = depth
	return pl
}

// WithCache makes the planner memoize its plans in the given cache.
func (pl *Planner) WithCache(cache *Cache) *Planner {
	pl.cache = cache
	return pl
}

// Platform returns the platform the planner targets.
func (pl *Planner) Platform() platform.Platform { return pl.platform }

// Plan returns the plan for the descriptor.
//
// Templates are tried in priority order. A template whose predicate rejects the problem, or
// whose planning fails, is skipped. If no template succeeds, the first failure that wasn't a
// plain rejection is returned, otherwise an ErrNotApplicable error.
func (pl *Planner) Plan(desc *analysis.Descriptor) (*Plan, error) {
	if pl.cache != nil {
		return pl.cache.getOrPlan(pl.cacheKey(desc), func() (*Plan, error) { return pl.plan(desc) })
	}
	return pl.plan(desc)
}

func (pl *Planner) cacheKey(desc *analysis.Descriptor) string {
	return fmt.Sprintf("%+v|%s|depth=%d|%s", pl.platform, pl.policy, pl.depth, desc)
}

func (pl *Planner) plan(desc *analysis.Descriptor) (*Plan, error) {
	if err := pl.platform.Validate(); err != nil {
		return nil, errors.WithMessage(ErrCapacity, err.Error())
	}
	c := newPlanContext(desc, pl.platform, pl.policy, pl.depth)
	if err := c.validate(); err != nil {
		return nil, err
	}
	var firstErr error
	for _, family := range pl.policy.Priority {
		t, found := templates[family]
		if !found {
			exceptions.Panicf("tiling: no template registered for family %s", family)
		}
		if err := t.accepts(c); err != nil {
			klog.V(2).Infof("tiling: template %s rejected: %v", family, err)
			continue
		}
		plan, err := t.plan(c)
		if err != nil {
			klog.V(1).Infof("tiling: template %s failed: %v", family, err)
			if firstErr == nil && !errors.Is(err, ErrNotApplicable) {
				firstErr = err
			}
			continue
		}
		if err := plan.Validate(); err != nil {
			exceptions.Panicf("tiling: template %s produced an invalid plan: %+v", family, err)
		}
		klog.V(1).Infof("tiling: template %s selected for %s: base=%dx%dx%d usedCoreNum=%d key=%s",
			family, desc, plan.Matmul.BaseM, plan.Matmul.BaseN, plan.Matmul.BaseK, plan.Matmul.UsedCoreNum, plan.Key)
		if firstErr != nil {
			klog.Warningf("tiling: fell back to template %s for %s after: %v", family, desc, firstErr)
		}
		if plan.Matmul.UsedCoreNum < pl.platform.CoreNum {
			klog.V(1).Infof("tiling: only %d of %d cores used (%d units of work)",
				plan.Matmul.UsedCoreNum, pl.platform.CoreNum, plan.TotalUnits())
		}
		return plan, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, notApplicablef("no template in %v accepts %s", pl.policy.Priority, desc)
}
