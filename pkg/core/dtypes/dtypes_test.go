// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOfNames(t *testing.T) {
	for name, want := range map[string]DType{
		"Float16": Float16, "float16": Float16, "F16": Float16, "f16": Float16, "fp16": Float16,
		"BFloat16": BFloat16, "bfloat16": BFloat16, "bf16": BFloat16,
		"Int4": Int4, "s4": Int4, "int8": Int8,
	} {
		assert.Equal(t, want, MapOfNames[name], "MapOfNames[%q]", name)
	}
}

func TestParse(t *testing.T) {
	dtype, err := Parse("BF16")
	require.NoError(t, err)
	assert.Equal(t, BFloat16, dtype)
	_, err = Parse("complex64")
	require.Error(t, err)
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 4, Int4.Bits())
	assert.Equal(t, 0, Int4.Size())
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 8, Uint64.Size())
	assert.Equal(t, 3, Int4.SizeForDimensions(5))
	assert.Equal(t, 12, Float32.SizeForDimensions(3))
	assert.Equal(t, 4, Float32.SizeForDimensions())
	assert.Equal(t, 256, Int4.ElementsForBytes(128))
	assert.Equal(t, 128, Int8.ElementsForBytes(128))
	assert.True(t, Int4.IsSubByte())
	assert.False(t, Int8.IsSubByte())
	assert.True(t, BFloat16.IsFloat16())
	assert.False(t, Float32.IsFloat16())
	assert.True(t, Uint64.IsPackedFloat32())
	assert.Equal(t, "BFloat16", BFloat16.String())
	assert.Equal(t, "DType(99)", DType(99).String())
}
