// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Granularity is the broadcast scope of the x2 (weight) quantization scale.
type Granularity int

const (
	// PerTensor uses one scalar scale for the whole operand.
	PerTensor Granularity = iota

	// PerChannel uses one scale per output channel (N).
	PerChannel

	// PerBlock uses one scale per (groupK x groupN) block of x2, and one per (groupM x groupK)
	// block of x1.
	PerBlock

	// PerGroup uses one scale per groupK rows of x2 and output channel.
	PerGroup
)

// String returns the name of the granularity.
func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per-tensor"
	case PerChannel:
		return "per-channel"
	case PerBlock:
		return "per-block"
	case PerGroup:
		return "per-group"
	default:
		return "unknown"
	}
}

// IsStaged returns whether the scale varies along K, in which case the dequantization
// can't be factored out of the K sum and happens stage by stage during accumulation.
func (g Granularity) IsStaged() bool {
	return g == PerBlock || g == PerGroup
}

// ParseGranularity converts the names returned by String (and the short forms "tensor",
// "channel", "block", "group") to a Granularity.
func ParseGranularity(name string) (Granularity, error) {
	name = strings.TrimPrefix(strings.ToLower(name), "per-")
	for g := PerTensor; g <= PerGroup; g++ {
		if strings.TrimPrefix(g.String(), "per-") == name {
			return g, nil
		}
	}
	return 0, errors.Errorf("unknown granularity %q", name)
}

// Activation applied by the epilogue after bias addition.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationGeluTanh
	ActivationGeluErf
)

// String returns the name of the activation type.
func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationGeluTanh:
		return "gelu_tanh"
	case ActivationGeluErf:
		return "gelu_erf"
	default:
		return "unknown"
	}
}

// ParseActivation converts the names returned by Activation.String back.
func ParseActivation(name string) (Activation, error) {
	for a := ActivationNone; a <= ActivationGeluErf; a++ {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, errors.Errorf("unknown activation %q", name)
}

// Group size fields are packed in one integer attribute: K in the low 16 bits, N in the next
// 16 and M in bits 32 to 47.
const (
	groupSizeBits   = 16
	groupSizeMask   = 1<<groupSizeBits - 1
	groupSizeNShift = 16
	groupSizeMShift = 32
)

// PackGroupSize packs the three group sizes into the operator attribute layout.
func PackGroupSize(groupM, groupN, groupK int) int64 {
	return int64(groupM&groupSizeMask)<<groupSizeMShift |
		int64(groupN&groupSizeMask)<<groupSizeNShift |
		int64(groupK&groupSizeMask)
}

// UnpackGroupSize is the reverse of PackGroupSize.
func UnpackGroupSize(groupSize int64) (groupM, groupN, groupK int) {
	u := uint64(groupSize)
	return int(u >> groupSizeMShift & groupSizeMask), int(u >> groupSizeNShift & groupSizeMask), int(u & groupSizeMask)
}

// formatGroupSize is used in error messages.
func formatGroupSize(groupM, groupN, groupK int) string {
	return "[" + strconv.Itoa(groupM) + ", " + strconv.Itoa(groupN) + ", " + strconv.Itoa(groupK) + "]"
}
