// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegerHelpers(t *testing.T) {
	assert.Equal(t, 4, CeilDiv(60, 16))
	assert.Equal(t, 0, CeilDiv(5, 0))
	assert.Equal(t, int64(64), AlignUp(int64(60), 16))
	assert.Equal(t, 48, AlignDown(60, 16))
	assert.Equal(t, 60, AlignUp(60, 0))
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, 1, Product[int](nil))
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
}

func TestFold(t *testing.T) {
	assert.Equal(t, []int{6, 4, 5, 6}, Fold([]int{2, 3, 4, 5, 6}, 4))
	assert.Equal(t, []int{1, 1, 1, 7}, Fold([]int{7}, 4))
	assert.Equal(t, []int{1, 1, 1, 1}, Fold[int](nil, 4))
	assert.Equal(t, []int{2, 3, 4, 5}, Fold([]int{2, 3, 4, 5}, 4))
}

func TestFlag(t *testing.T) {
	f := &genericSliceFlagImpl[int]{parserFn: strconv.Atoi}
	require.NoError(t, f.Set("2, 3,4"))
	assert.Equal(t, []int{2, 3, 4}, f.parsedSlice)
	assert.Equal(t, "2,3,4", f.String())
	require.Error(t, f.Set("a"))
	require.NoError(t, f.Set(""))
	assert.Empty(t, f.parsedSlice)
}
