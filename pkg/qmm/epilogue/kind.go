// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package epilogue

import "github.com/gomlx/qmatmul/pkg/qmm/analysis"

// Kind enumerates the closed set of epilogue strategies.
type Kind int

const (
	DequantOnly Kind = iota
	DequantBias
	DequantBiasGeluTanh
	DequantBiasGeluErf

	// NumKinds is the number of epilogue kinds.
	NumKinds
)

// String returns the name of the epilogue kind.
func (k Kind) String() string {
	switch k {
	case DequantOnly:
		return "dequant"
	case DequantBias:
		return "dequant+bias"
	case DequantBiasGeluTanh:
		return "dequant+bias+gelu_tanh"
	case DequantBiasGeluErf:
		return "dequant+bias+gelu_erf"
	default:
		return "unknown"
	}
}

// KindFor returns the epilogue kind for the given configuration.
// GELU kinds treat a missing bias as zero.
func KindFor(hasBias bool, activation analysis.Activation) Kind {
	switch activation {
	case analysis.ActivationGeluTanh:
		return DequantBiasGeluTanh
	case analysis.ActivationGeluErf:
		return DequantBiasGeluErf
	}
	if hasBias {
		return DequantBias
	}
	return DequantOnly
}
