// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package epilogue

import "math"

const (
	// geluTanhClamp bounds the exponent of the tanh form.
	geluTanhClamp = 44.0

	// erfMax bounds the argument of the rational erf approximation: beyond it erf is ±1 in float32.
	erfMax = 3.92
)

var sqrt2OverPi = math.Sqrt(2 / math.Pi)

// GeluTanh is the tanh approximation of GELU, 0.5·x·(1+tanh(y)) with y = √(2/π)(x+0.044715x³),
// computed as x / (1 + exp(-2y)).
func GeluTanh(x float32) float32 {
	x64 := float64(x)
	y := sqrt2OverPi * (x64 + 0.044715*x64*x64*x64)
	y = min(max(y, -geluTanhClamp), geluTanhClamp)
	return float32(x64 / (1 + math.Exp(-2*y)))
}

// GeluErf is GELU computed as 0.5·x·(1+erf(x/√2)), with erf given by a rational approximation.
func GeluErf(x float32) float32 {
	x64 := float64(x)
	return float32(0.5 * x64 * (1 + erfApprox(x64/math.Sqrt2)))
}

// erfApprox is a rational approximation of erf, with the argument clamped to [-erfMax, erfMax].
func erfApprox(x float64) float64 {
	x = min(max(x, -erfMax), erfMax)
	x2 := x * x
	num := x * (((((0.53443748819e-1*x2+0.75517016694e1)*x2+0.10162808918e3)*x2+
		0.13938061484e4)*x2+0.50637915060e4)*x2 + 0.29639384698e5)
	den := (((((x2+0.31212858877e2)*x2+0.39856963806e3)*x2+0.30231248150e4)*x2+
		0.13243365831e5)*x2 + 0.26267224157e5)
	return num / den
}
