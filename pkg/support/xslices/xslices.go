// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package, plus the integer
// arithmetic helpers (ceil-division, alignment) used everywhere in tiling.
package xslices

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// CeilDiv returns ceil(a/b) for non-negative a and positive b. It returns 0 if b is 0.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// AlignUp rounds a up to the next multiple of align. It returns a if align is 0.
func AlignUp[T constraints.Integer](a, align T) T {
	if align == 0 {
		return a
	}
	return CeilDiv(a, align) * align
}

// AlignDown rounds a down to a multiple of align. It returns a if align is 0.
func AlignDown[T constraints.Integer](a, align T) T {
	if align == 0 {
		return a
	}
	return a / align * align
}

// Product returns the product of all elements of the slice, or 1 for an empty slice.
func Product[T constraints.Integer](slice []T) T {
	product := T(1)
	for _, v := range slice {
		product *= v
	}
	return product
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Fold returns the dimensions folded into at most n sub-dimensions: leading dimensions are
// multiplied together, and the result is left-padded with 1s to exactly n values.
// E.g.: Fold([]int{2, 3, 4, 5, 6}, 4) -> [6 4 5 6]; Fold([]int{7}, 4) -> [1 1 1 7].
func Fold[T constraints.Integer](dims []T, n int) []T {
	folded := make([]T, n)
	for ii := range folded {
		folded[ii] = 1
	}
	if len(dims) == 0 {
		return folded
	}
	extra := max(len(dims)-n, 0)
	folded[max(n-len(dims), 0)] = Product(dims[:extra+1])
	for ii, d := range dims[extra+1:] {
		folded[max(n-len(dims), 0)+1+ii] = d
	}
	return folded
}

// IntsFlag creates a flag for []int with the given name, description and default value,
// parsed from a comma-separated list.
func IntsFlag(name string, defaultValue []int, usage string) *[]int {
	return Flag(name, defaultValue, usage, strconv.Atoi)
}

// Flag creates a flag for []T with the given name, description and default value.
// It takes as input a parser for an individual T value.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &genericSliceFlagImpl[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flag.Var(f, name, usage)
	return &f.parsedSlice
}

// genericSliceFlagImpl implements flag.Value for a generic type.
type genericSliceFlagImpl[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *genericSliceFlagImpl[T]) String() string {
	parts := make([]string, len(f.parsedSlice))
	for ii, elem := range f.parsedSlice {
		parts[ii] = fmt.Sprintf("%v", elem)
	}
	return strings.Join(parts, ",")
}

func (f *genericSliceFlagImpl[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsedSlice = make([]T, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	f.parsedSlice = make([]T, len(parts))
	var err error
	for ii, part := range parts {
		f.parsedSlice[ii], err = f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
	}
	return nil
}
