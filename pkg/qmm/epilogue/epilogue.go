// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package epilogue implements the vector-engine post-processing of the accumulators:
// dequantization, bias addition, activation and the cast to the output dtype.
//
// The closed set of strategies, one per Kind, is registered once at initialization and looked
// up by the kind encoded in the tiling key.
package epilogue

import (
	"github.com/gomlx/exceptions"
)

// Params are the inputs and outputs of one strategy application on a Rows x Cols sub-block.
// All matrices are row-major with stride Cols.
type Params struct {
	Rows, Cols int

	// AccInt32 holds integer accumulators, dequantized here. AccFloat32 holds accumulators
	// already scaled during accumulation (block/group quantization). Exactly one is set.
	AccInt32   []int32
	AccFloat32 []float32

	// Scale is the x2 scale over the columns: length 1 (per-tensor) or Cols. Nil if already applied.
	Scale []float32

	// TokenScale is the per-row x1 scale, length Rows, or nil.
	TokenScale []float32

	// BiasInt32 is added to the integer accumulators before dequantization. Bias is added in
	// float32 after it. At most one is set, each of length Cols.
	BiasInt32 []int32
	Bias      []float32

	// Values receives the results, before the output cast.
	Values []float32

	// PreActivation, if not nil, receives the values after bias addition and before the activation.
	PreActivation []float32
}

// Strategy is one epilogue kind.
type Strategy interface {
	Kind() Kind

	// Apply processes the sub-block described by p, writing p.Values (and p.PreActivation if set).
	Apply(p *Params)
}

// chain is the strategy implementation: dequantize, optionally add the bias, optionally activate.
type chain struct {
	kind       Kind
	withBias   bool
	activation func(x float32) float32
}

func (s *chain) Kind() Kind { return s.kind }

func (s *chain) Apply(p *Params) {
	if len(p.Values) < p.Rows*p.Cols {
		exceptions.Panicf("epilogue %s: values buffer of %d for a %dx%d sub-block", s.kind, len(p.Values), p.Rows, p.Cols)
	}
	perTensor := len(p.Scale) == 1
	for r := range p.Rows {
		token := float32(1)
		if p.TokenScale != nil {
			token = p.TokenScale[r]
		}
		row := r * p.Cols
		for c := range p.Cols {
			i := row + c
			var v float32
			if p.AccFloat32 != nil {
				v = p.AccFloat32[i]
			} else {
				acc := p.AccInt32[i]
				if s.withBias && p.BiasInt32 != nil {
					acc += p.BiasInt32[c]
				}
				v = float32(acc)
			}
			switch {
			case perTensor:
				v *= p.Scale[0]
			case p.Scale != nil:
				v *= p.Scale[c]
			}
			v *= token
			if s.withBias && p.Bias != nil {
				v += p.Bias[c]
			}
			if p.PreActivation != nil {
				p.PreActivation[i] = v
			}
			if s.activation != nil {
				v = s.activation(v)
			}
			p.Values[i] = v
		}
	}
}

var registry [NumKinds]Strategy

// Register installs the strategy of its kind. It panics if the kind is already registered.
func Register(s Strategy) {
	k := s.Kind()
	if k < 0 || k >= NumKinds {
		exceptions.Panicf("epilogue.Register: invalid kind %d", k)
	}
	if registry[k] != nil {
		exceptions.Panicf("epilogue.Register: kind %s registered twice", k)
	}
	registry[k] = s
}

// Lookup returns the strategy of the kind. It panics for unregistered kinds.
func Lookup(kind Kind) Strategy {
	if kind < 0 || kind >= NumKinds || registry[kind] == nil {
		exceptions.Panicf("epilogue.Lookup: no strategy registered for kind %d", kind)
	}
	return registry[kind]
}

func init() {
	Register(&chain{kind: DequantOnly})
	Register(&chain{kind: DequantBias, withBias: true})
	Register(&chain{kind: DequantBiasGeluTanh, withBias: true, activation: GeluTanh})
	Register(&chain{kind: DequantBiasGeluErf, withBias: true, activation: GeluErf})
}
