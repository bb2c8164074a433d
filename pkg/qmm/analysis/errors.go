// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import "github.com/pkg/errors"

// Planning-time failure classes. Errors returned by Analyze wrap exactly one of them,
// test with errors.Is.
var (
	ErrUnsupportedDType = errors.New("unsupported dtype combination")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrAlignment        = errors.New("dimension not divisible by the required alignment")
)

func shapeErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrShapeMismatch, format, args...)
}

func dtypeErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrUnsupportedDType, format, args...)
}

func alignmentErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrAlignment, format, args...)
}
