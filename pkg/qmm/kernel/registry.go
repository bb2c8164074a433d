// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/internal/workerspool"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
	"github.com/gomlx/qmatmul/pkg/qmm/pipeline"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
)

type runner func(plan *tiling.Plan, ops pipeline.Operands, workspace []byte, pool *workerspool.Pool,
	strategy epilogue.Strategy) pipeline.Stats

// Specialization is the code path of one tiling key: the family runner and the epilogue strategy.
type Specialization struct {
	Key      tiling.Key
	Family   tiling.Family
	Strategy epilogue.Strategy
	run      runner
}

var (
	muRegistry sync.RWMutex
	registry   = make(map[tiling.Key]Specialization)
)

// Lookup returns the specialization registered for the key.
func Lookup(key tiling.Key) (Specialization, bool) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	spec, found := registry[key]
	return spec, found
}

// NumRegistered returns the number of registered specializations.
func NumRegistered() int {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	return len(registry)
}

// register installs the specialization of a valid key. It panics on invalid or duplicate keys.
func register(key tiling.Key) {
	if !key.Valid() {
		exceptions.Panicf("kernel: can't register invalid %s", key)
	}
	f := key.Decode()
	spec := Specialization{
		Key:      key,
		Family:   f.Family,
		Strategy: epilogue.Lookup(f.Epilogue),
	}
	switch f.Family {
	case tiling.FamilyMultiStage:
		spec.run = runMultiStage
	case tiling.FamilyPerBlock, tiling.FamilyPerGroup:
		spec.run = runStaged
	default:
		spec.run = runSinglePass
	}
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[key]; found {
		exceptions.Panicf("kernel: %s registered twice", key)
	}
	registry[key] = spec
}

func init() {
	for _, key := range tiling.AllKeys() {
		register(key)
	}
}

// runSinglePass runs the families that accumulate a whole K range per unit in Int32 and
// dequantize once in the epilogue.
func runSinglePass(plan *tiling.Plan, ops pipeline.Operands, workspace []byte, pool *workerspool.Pool,
	strategy epilogue.Strategy) pipeline.Stats {
	if plan.Params.KSplit != 1 {
		exceptions.Panicf("kernel: %s family with KSplit=%d", plan.Family(), plan.Params.KSplit)
	}
	return pipeline.New(plan, ops, workspace, pool).RunSinglePass(strategy)
}

// runMultiStage runs split-K: partial sums of every K slice are reduced before the epilogue.
func runMultiStage(plan *tiling.Plan, ops pipeline.Operands, workspace []byte, pool *workerspool.Pool,
	strategy epilogue.Strategy) pipeline.Stats {
	if plan.Params.KSplit < 2 || plan.Params.ReductionBytes == 0 {
		exceptions.Panicf("kernel: multi-stage plan without K slices (KSplit=%d, reduction=%d bytes)",
			plan.Params.KSplit, plan.Params.ReductionBytes)
	}
	return pipeline.New(plan, ops, workspace, pool).RunSplitK(strategy)
}

// runStaged runs block/group quantization, where the scales are applied stage by stage.
func runStaged(plan *tiling.Plan, ops pipeline.Operands, workspace []byte, pool *workerspool.Pool,
	strategy epilogue.Strategy) pipeline.Stats {
	if !ops.X2Scale.Ok() || ops.X2Scale.Shape().Rank() != 2 {
		exceptions.Panicf("kernel: %s quantization requires a rank-2 x2 scale", plan.Params.Granularity)
	}
	if plan.Params.Granularity == analysis.PerBlock && !ops.X1Scale.Ok() {
		exceptions.Panicf("kernel: per-block quantization requires the x1 scale")
	}
	return pipeline.New(plan, ops, workspace, pool).RunStaged(strategy)
}
