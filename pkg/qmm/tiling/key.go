// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"

	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/gomlx/qmatmul/pkg/qmm/epilogue"
)

// Family of execution templates. Exactly one is selected per plan.
type Family int

const (
	// FamilyBasic is the standard template: one basic block per unit of work.
	FamilyBasic Family = iota

	// FamilySmallM rebalances the base block for problems with fewer blocks than cores.
	FamilySmallM

	// FamilyMultiStage decomposes K across cores (split-K) and reduces the partial sums
	// in the workspace before the epilogue.
	FamilyMultiStage

	// FamilyPerBlock handles per-block quantization, dequantizing every K stage.
	FamilyPerBlock

	// FamilyPerGroup handles per-group quantization, dequantizing every K group.
	FamilyPerGroup

	// NumFamilies is the number of template families.
	NumFamilies
)

// String returns the name of the family.
func (f Family) String() string {
	switch f {
	case FamilyBasic:
		return "basic"
	case FamilySmallM:
		return "small-m"
	case FamilyMultiStage:
		return "multi-stage"
	case FamilyPerBlock:
		return "per-block"
	case FamilyPerGroup:
		return "per-group"
	default:
		return "unknown"
	}
}

// Key is the tiling key: bit fields selecting one compiled execution specialization.
//
//	bits 0-1   transpose combination: transA | transB<<1
//	bits 2-4   template family
//	bits 5-6   x2 scale granularity
//	bit  7     per-token x1 scale
//	bit  8     needs-output-clean (workspace reduction area zeroed before accumulation)
//	bits 9-10  epilogue kind
//	bit  11    Int4 operands (unpack pre-pass)
type Key uint32

const (
	keyTransShift       = 0
	keyFamilyShift      = 2
	keyGranularityShift = 5
	keyPerTokenShift    = 7
	keyCleanShift       = 8
	keyEpilogueShift    = 9
	keyInt4Shift        = 11
	keyBits             = 12
)

// KeyFields are the decoded fields of a Key.
type KeyFields struct {
	TransA, TransB bool
	Family         Family
	Granularity    analysis.Granularity
	PerToken       bool
	NeedsClean     bool
	Epilogue       epilogue.Kind
	Int4           bool
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Encode returns the Key for the fields. It doesn't check the fields are consistent, see Key.Valid.
func (f KeyFields) Encode() Key {
	var k uint32
	k |= (boolBit(f.TransA) | boolBit(f.TransB)<<1) << keyTransShift
	k |= uint32(f.Family) << keyFamilyShift
	k |= uint32(f.Granularity) << keyGranularityShift
	k |= boolBit(f.PerToken) << keyPerTokenShift
	k |= boolBit(f.NeedsClean) << keyCleanShift
	k |= uint32(f.Epilogue) << keyEpilogueShift
	k |= boolBit(f.Int4) << keyInt4Shift
	return Key(k)
}

// Decode splits the key into its fields.
func (k Key) Decode() KeyFields {
	return KeyFields{
		TransA:      k>>keyTransShift&1 == 1,
		TransB:      k>>(keyTransShift+1)&1 == 1,
		Family:      Family(k >> keyFamilyShift & 0b111),
		Granularity: analysis.Granularity(k >> keyGranularityShift & 0b11),
		PerToken:    k>>keyPerTokenShift&1 == 1,
		NeedsClean:  k>>keyCleanShift&1 == 1,
		Epilogue:    epilogue.Kind(k >> keyEpilogueShift & 0b11),
		Int4:        k>>keyInt4Shift&1 == 1,
	}
}

// Valid returns whether the key belongs to the closed key space: every field in range and
// the family consistent with the granularity and the clean flag.
func (k Key) Valid() bool {
	if k>>keyBits != 0 {
		return false
	}
	f := k.Decode()
	if f.Family >= NumFamilies {
		return false
	}
	switch f.Family {
	case FamilyPerBlock:
		if f.Granularity != analysis.PerBlock {
			return false
		}
	case FamilyPerGroup:
		if f.Granularity != analysis.PerGroup {
			return false
		}
	default:
		if f.Granularity.IsStaged() {
			return false
		}
	}
	if f.NeedsClean != (f.Family == FamilyMultiStage) {
		return false
	}
	if f.Granularity == analysis.PerBlock && f.PerToken {
		// Per-block x1 scales are not per-token.
		return false
	}
	return true
}

// AllKeys enumerates every valid key of the closed key space.
func AllKeys() []Key {
	var keys []Key
	for k := Key(0); k < 1<<keyBits; k++ {
		if k.Valid() {
			keys = append(keys, k)
		}
	}
	return keys
}

// String implements fmt.Stringer.
func (k Key) String() string {
	f := k.Decode()
	return fmt.Sprintf("Key(0x%03x: trans=%t/%t %s %s perToken=%t clean=%t %s int4=%t)",
		uint32(k), f.TransA, f.TransB, f.Family, f.Granularity, f.PerToken, f.NeedsClean, f.Epilogue, f.Int4)
}
