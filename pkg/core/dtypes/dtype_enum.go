// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum representing the element type of an operand.
//
// The numeric values follow the PJRT buffer type numbering, so plans and blobs produced
// with different versions of this package stay compatible.
type DType int32

const (
	// InvalidDType is the zero value, used when an optional operand is absent.
	InvalidDType DType = 0

	// Int8 is a signed 8-bit integer: the standard quantized operand type.
	Int8 DType = 2

	// Int32 is the accumulator type of the compute engine, and a native bias type.
	Int32 DType = 4

	// Int64 scales carry a float32 bit pattern in their low 32 bits.
	Int64 DType = 5

	// Uint8 is used for raw bytes.
	Uint8 DType = 6

	// Uint64 scales carry a float32 bit pattern in their low 32 bits.
	Uint64 DType = 9

	// Float16 is the IEEE 754 half precision type.
	Float16 DType = 10

	// Float32 is the IEEE 754 single precision type.
	Float32 DType = 11

	// BFloat16 is the "brain" float: float32 truncated to 16 bits (8 bits of exponent).
	BFloat16 DType = 13

	// Int4 is a signed 4-bit integer, stored two per byte (low nibble first).
	Int4 DType = 21
)

// Aliases using the short XLA names.
const (
	S4   = Int4
	S8   = Int8
	S32  = Int32
	S64  = Int64
	U8   = Uint8
	U64  = Uint64
	F16  = Float16
	F32  = Float32
	BF16 = BFloat16
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"INVALID":      InvalidDType,
	"Int4":         Int4,
	"S4":           Int4,
	"Int8":         Int8,
	"S8":           Int8,
	"Int32":        Int32,
	"S32":          Int32,
	"Int64":        Int64,
	"S64":          Int64,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Uint64":       Uint64,
	"U64":          Uint64,
	"Float16":      Float16,
	"F16":          Float16,
	"FP16":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"FP32":         Float32,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int4:         "Int4",
	Int8:         "Int8",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	BFloat16:     "BFloat16",
}
