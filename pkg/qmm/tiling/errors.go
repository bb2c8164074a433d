// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/pkg/errors"
)

// Planning failure classes. Every error returned by the planner wraps one of them: test with errors.Is.
var (
	ErrUnsupportedDType = analysis.ErrUnsupportedDType
	ErrShapeMismatch    = analysis.ErrShapeMismatch
	ErrAlignment        = analysis.ErrAlignment

	// ErrCapacity means the problem doesn't fit the platform's on-chip memories, even after fallback.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotApplicable is returned by a template whose predicate rejects the problem; the planner
	// moves on to the next template in its priority list.
	ErrNotApplicable = errors.New("template not applicable")

	// ErrBlobCorrupt is returned when decoding a tiling blob fails validation.
	ErrBlobCorrupt = errors.New("corrupt tiling blob")
)

func wrapf(sentinel error, format string, args ...any) error {
	return errors.WithMessagef(sentinel, format, args...)
}

func notApplicablef(format string, args ...any) error {
	return wrapf(ErrNotApplicable, format, args...)
}

func capacityf(format string, args ...any) error {
	return wrapf(ErrCapacity, format, args...)
}

func blobCorruptf(format string, args ...any) error {
	return wrapf(ErrBlobCorrupt, format, args...)
}
