// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/core/dtypes"
	"github.com/gomlx/qmatmul/pkg/qmm/analysis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tiling blob layout, all little-endian:
//
//	magic      [4]byte  "QMMT"
//	version    uint16
//	headerLen  uint16   size of this header
//	totalLen   uint32   size of the blob, a multiple of BlobAlign
//	key        uint32
//	flags      uint32   bit 0: window parameters present
//	reserved   uint32
//	fields     int64 each, in the order of Plan.blobFields, then the window fields if present.
const (
	BlobMagic   = "QMMT"
	BlobVersion = 1
	BlobAlign   = 8

	blobHeaderLen  = 24
	blobFieldSize  = 8
	blobFlagWindow = 1 << 0
)

// blobFields lists the plan fields serialized in the blob, in wire order.
// Changing the order or the set of fields requires bumping BlobVersion.
func (p *Plan) blobFields() []any {
	ps, mt, cp := &p.Params, &p.Matmul, &p.Cache
	return []any{
		&ps.BatchA, &ps.BatchB, &ps.BatchC, &ps.BatchATotal, &ps.BatchBTotal, &ps.BatchCTotal,
		&ps.TransA, &ps.TransB, &ps.Granularity, &ps.IsPerTensor, &ps.IsPerToken, &ps.PerTokenBatched,
		&ps.IsDoubleScale, &ps.BiasThreeDim, &ps.HasOffset, &ps.OffsetPerChannel, &ps.Activation,
		&ps.UbCalcM, &ps.UbCalcN, &ps.NeedUbBuffer,
		&ps.X1DType, &ps.X2DType, &ps.ScaleDType, &ps.X1ScaleDType, &ps.BiasDType, &ps.OutputDType,
		&ps.ClashA, &ps.ClashB, &ps.GroupM, &ps.GroupN, &ps.GroupK, &ps.PipelineDepth, &ps.KSplit,
		&ps.SlotsOffset, &ps.SlotBytes, &ps.PreprocessAOffset, &ps.PreprocessBOffset, &ps.PreprocessBytes,
		&ps.ReductionOffset, &ps.ReductionBytes,

		&mt.UsedCoreNum, &mt.M, &mt.N, &mt.Ka, &mt.Kb, &mt.SingleCoreM, &mt.SingleCoreN, &mt.SingleCoreK,
		&mt.BaseM, &mt.BaseN, &mt.BaseK, &mt.DepthA1, &mt.DepthB1, &mt.StepKa, &mt.StepKb, &mt.StepM, &mt.StepN,
		&mt.IsBias, &mt.IterateOrder, &mt.DbL0A, &mt.DbL0B, &mt.DbL0C, &mt.Fallback,

		&cp.MTileCnt, &cp.NTileCnt, &cp.MTileBlock, &cp.NTileBlock, &cp.CalOrder, &cp.IsBasicTiling,

		&p.WorkspaceBytes, &p.BlockDim,
	}
}

func (w *WindowParams) blobFields() []any {
	return []any{
		&w.MBlockCnt, &w.NBlockCnt, &w.TotalBlockCnt, &w.MTail, &w.NTail,
		&w.TotalWinCnt, &w.TailWinBlockCnt, &w.MTailSplit, &w.NTailSplit,
	}
}

func countBlobFields(fields []any) int {
	n := 0
	for _, f := range fields {
		if arr, ok := f.(*[analysis.MaxBatchDims]int); ok {
			n += len(arr)
		} else {
			n++
		}
	}
	return n
}

func appendField(buf []byte, field any) []byte {
	put := func(v int64) { buf = binary.LittleEndian.AppendUint64(buf, uint64(v)) }
	switch f := field.(type) {
	case *int:
		put(int64(*f))
	case *bool:
		if *f {
			put(1)
		} else {
			put(0)
		}
	case *dtypes.DType:
		put(int64(*f))
	case *analysis.Granularity:
		put(int64(*f))
	case *analysis.Activation:
		put(int64(*f))
	case *[analysis.MaxBatchDims]int:
		for _, v := range f {
			put(int64(v))
		}
	default:
		exceptions.Panicf("tiling blob: field type %T not supported", field)
	}
	return buf
}

// readField decodes one field from data, returning the remaining data.
func readField(data []byte, field any) ([]byte, error) {
	get := func() (int64, error) {
		if len(data) < blobFieldSize {
			return 0, blobCorruptf("truncated field")
		}
		v := int64(binary.LittleEndian.Uint64(data))
		data = data[blobFieldSize:]
		if v < 0 {
			return 0, blobCorruptf("negative field value %d", v)
		}
		return v, nil
	}
	if arr, ok := field.(*[analysis.MaxBatchDims]int); ok {
		for i := range arr {
			v, err := get()
			if err != nil {
				return nil, err
			}
			arr[i] = int(v)
		}
		return data, nil
	}
	v, err := get()
	if err != nil {
		return nil, err
	}
	switch f := field.(type) {
	case *int:
		*f = int(v)
	case *bool:
		if v != 0 && v != 1 {
			return nil, blobCorruptf("boolean field with value %d", v)
		}
		*f = v == 1
	case *dtypes.DType:
		*f = dtypes.DType(v)
	case *analysis.Granularity:
		*f = analysis.Granularity(v)
	case *analysis.Activation:
		*f = analysis.Activation(v)
	default:
		exceptions.Panicf("tiling blob: field type %T not supported", field)
	}
	return data, nil
}

// EncodeBlob serializes the plan into the fixed-layout binary tiling blob consumed by the kernel.
// The plan ID is not serialized.
func (p *Plan) EncodeBlob() []byte {
	fields := p.blobFields()
	var flags uint32
	if p.Window != nil {
		fields = append(fields, p.Window.blobFields()...)
		flags |= blobFlagWindow
	}
	totalLen := blobHeaderLen + countBlobFields(fields)*blobFieldSize
	buf := make([]byte, 0, totalLen)
	buf = append(buf, BlobMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, BlobVersion)
	buf = binary.LittleEndian.AppendUint16(buf, blobHeaderLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(totalLen))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Key))
	buf = binary.LittleEndian.AppendUint32(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	for _, f := range fields {
		buf = appendField(buf, f)
	}
	if len(buf)%BlobAlign != 0 || len(buf) != totalLen {
		exceptions.Panicf("tiling blob: encoded %d bytes, expected %d aligned to %d", len(buf), totalLen, BlobAlign)
	}
	return buf
}

// DecodeBlob parses and validates a tiling blob. Failures wrap ErrBlobCorrupt.
// The decoded plan's ID is derived from the blob contents.
func DecodeBlob(data []byte) (*Plan, error) {
	if len(data) < blobHeaderLen {
		return nil, blobCorruptf("blob of %d bytes shorter than its %d bytes header", len(data), blobHeaderLen)
	}
	if string(data[:4]) != BlobMagic {
		return nil, blobCorruptf("bad magic %q", data[:4])
	}
	le := binary.LittleEndian
	version, headerLen, totalLen := le.Uint16(data[4:]), le.Uint16(data[6:]), le.Uint32(data[8:])
	if version != BlobVersion {
		return nil, blobCorruptf("version %d not supported, expected %d", version, BlobVersion)
	}
	if headerLen != blobHeaderLen {
		return nil, blobCorruptf("header length %d, expected %d", headerLen, blobHeaderLen)
	}
	if int(totalLen) != len(data) || totalLen%BlobAlign != 0 {
		return nil, blobCorruptf("total length %d doesn't match the %d bytes given or isn't a multiple of %d",
			totalLen, len(data), BlobAlign)
	}
	plan := &Plan{Key: Key(le.Uint32(data[12:]))}
	flags := le.Uint32(data[16:])
	if flags&^blobFlagWindow != 0 {
		return nil, blobCorruptf("unknown flags 0x%x", flags)
	}
	fields := plan.blobFields()
	if flags&blobFlagWindow != 0 {
		plan.Window = &WindowParams{}
		fields = append(fields, plan.Window.blobFields()...)
	}
	if expected := blobHeaderLen + countBlobFields(fields)*blobFieldSize; expected != len(data) {
		return nil, blobCorruptf("blob has %d bytes, its fields need %d", len(data), expected)
	}
	body := data[blobHeaderLen:]
	var err error
	for _, f := range fields {
		body, err = readField(body, f)
		if err != nil {
			return nil, err
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, errors.WithMessage(ErrBlobCorrupt, err.Error())
	}
	plan.ID = uuid.NewSHA1(uuid.NameSpaceOID, data)
	return plan, nil
}
