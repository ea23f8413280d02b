package kmodel

import (
	"encoding/binary"
	"math"
)

// Layer bodies are packed little-endian u32/f32 records; each Decode*
// builds a typed view over the body bytes handed out by Model.Body.
// Trailing variable-length sections (concat ranges, requantize table,
// fully-connected parameters) stay zero-copy slices of the blob.

func u32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func i32(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off:]))
}

func f32(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

// Shape is the width/height/channels triple used by pooling layers.
type Shape struct {
	Width    uint32
	Height   uint32
	Channels uint32
}

func decodeShape(b []byte, off int) Shape {
	return Shape{
		Width:    u32(b, off),
		Height:   u32(b, off+4),
		Channels: u32(b, off+8),
	}
}

// QuantParam is an affine float<->u8 mapping: x = q*Scale + Bias.
type QuantParam struct {
	Scale float32
	Bias  float32
}

// MemoryRange addresses a byte range inside the main buffer.
type MemoryRange struct {
	Start uint32
	Size  uint32
}

// ConvArgs is the body of a K210_CONV layer. The four offsets address the
// source descriptor, weights, batch-norm table and activation table inside
// the model blob.
type ConvArgs struct {
	Flags             uint32
	MainMemOutAddress uint32
	LayerOffset       uint32
	WeightsOffset     uint32
	BNOffset          uint32
	ActOffset         uint32
}

func DecodeConvArgs(b []byte) ConvArgs {
	return ConvArgs{
		Flags:             u32(b, 0),
		MainMemOutAddress: u32(b, 4),
		LayerOffset:       u32(b, 8),
		WeightsOffset:     u32(b, 12),
		BNOffset:          u32(b, 16),
		ActOffset:         u32(b, 20),
	}
}

// AddArgs is the body of a float ADD layer.
type AddArgs struct {
	Flags             uint32
	MainMemInAAddress uint32
	MainMemInBAddress uint32
	MainMemOutAddress uint32
	Count             uint32
}

func DecodeAddArgs(b []byte) AddArgs {
	return AddArgs{
		Flags:             u32(b, 0),
		MainMemInAAddress: u32(b, 4),
		MainMemInBAddress: u32(b, 8),
		MainMemOutAddress: u32(b, 12),
		Count:             u32(b, 16),
	}
}

// QuantAddArgs is the body of a QUANTIZED_ADD layer.
type QuantAddArgs struct {
	Flags             uint32
	MainMemInAAddress uint32
	MainMemInBAddress uint32
	MainMemOutAddress uint32
	Count             uint32
	InAOffset         int32
	InAMul            int32
	InAShift          int32
	InBOffset         int32
	InBMul            int32
	InBShift          int32
	OutOffset         int32
	OutMul            int32
	OutShift          int32
}

func DecodeQuantAddArgs(b []byte) QuantAddArgs {
	return QuantAddArgs{
		Flags:             u32(b, 0),
		MainMemInAAddress: u32(b, 4),
		MainMemInBAddress: u32(b, 8),
		MainMemOutAddress: u32(b, 12),
		Count:             u32(b, 16),
		InAOffset:         i32(b, 20),
		InAMul:            i32(b, 24),
		InAShift:          i32(b, 28),
		InBOffset:         i32(b, 32),
		InBMul:            i32(b, 36),
		InBShift:          i32(b, 40),
		OutOffset:         i32(b, 44),
		OutMul:            i32(b, 48),
		OutShift:          i32(b, 52),
	}
}

// GAP2DArgs is the body of a GLOBAL_AVERAGE_POOL2D layer.
type GAP2DArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	KernelSize        uint32
	Channels          uint32
}

func DecodeGAP2DArgs(b []byte) GAP2DArgs {
	return GAP2DArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		KernelSize:        u32(b, 12),
		Channels:          u32(b, 16),
	}
}

// QuantMaxPool2DArgs is the body of a QUANTIZED_MAX_POOL2D layer.
type QuantMaxPool2DArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	InShape           Shape
	OutShape          Shape
	KernelWidth       uint32
	KernelHeight      uint32
	StrideWidth       uint32
	StrideHeight      uint32
	PaddingWidth      uint32
	PaddingHeight     uint32
}

func DecodeQuantMaxPool2DArgs(b []byte) QuantMaxPool2DArgs {
	return QuantMaxPool2DArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		InShape:           decodeShape(b, 12),
		OutShape:          decodeShape(b, 24),
		KernelWidth:       u32(b, 36),
		KernelHeight:      u32(b, 40),
		StrideWidth:       u32(b, 44),
		StrideHeight:      u32(b, 48),
		PaddingWidth:      u32(b, 52),
		PaddingHeight:     u32(b, 56),
	}
}

// QuantizeArgs is the body of a QUANTIZE layer.
type QuantizeArgs struct {
	Flags            uint32
	MainMemInAddress uint32
	MemOutAddress    uint32
	Count            uint32
	QuantParam       QuantParam
}

func DecodeQuantizeArgs(b []byte) QuantizeArgs {
	return QuantizeArgs{
		Flags:            u32(b, 0),
		MainMemInAddress: u32(b, 4),
		MemOutAddress:    u32(b, 8),
		Count:            u32(b, 12),
		QuantParam:       QuantParam{Scale: f32(b, 16), Bias: f32(b, 20)},
	}
}

// DequantizeArgs is the body of a DEQUANTIZE layer.
type DequantizeArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	Count             uint32
	QuantParam        QuantParam
}

func DecodeDequantizeArgs(b []byte) DequantizeArgs {
	return DequantizeArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		Count:             u32(b, 12),
		QuantParam:        QuantParam{Scale: f32(b, 16), Bias: f32(b, 20)},
	}
}

// RequantizeArgs is the body of a REQUANTIZE layer; Table is the 256-entry
// u8 lookup table, a view into the blob.
type RequantizeArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	Count             uint32
	Table             []byte
}

func DecodeRequantizeArgs(b []byte) RequantizeArgs {
	return RequantizeArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		Count:             u32(b, 12),
		Table:             b[16 : 16+256],
	}
}

// L2NormArgs is the body of an L2_NORMALIZATION layer.
type L2NormArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	Channels          uint32
}

func DecodeL2NormArgs(b []byte) L2NormArgs {
	return L2NormArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		Channels:          u32(b, 12),
	}
}

// SoftmaxArgs is the body of a SOFTMAX layer.
type SoftmaxArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	Channels          uint32
}

func DecodeSoftmaxArgs(b []byte) SoftmaxArgs {
	return SoftmaxArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		Channels:          u32(b, 12),
	}
}

// ConcatArgs is the shared body of CONCAT and QUANTIZED_CONCAT layers.
type ConcatArgs struct {
	Flags             uint32
	MainMemOutAddress uint32
	InputCount        uint32
	Inputs            []MemoryRange
}

func DecodeConcatArgs(b []byte) ConcatArgs {
	a := ConcatArgs{
		Flags:             u32(b, 0),
		MainMemOutAddress: u32(b, 4),
		InputCount:        u32(b, 8),
	}
	a.Inputs = make([]MemoryRange, a.InputCount)
	for i := range a.Inputs {
		off := 12 + i*8
		a.Inputs[i] = MemoryRange{Start: u32(b, off), Size: u32(b, off+4)}
	}
	return a
}

// AddPaddingArgs is the body of a K210_ADD_PADDING layer.
type AddPaddingArgs struct {
	Flags            uint32
	MainMemInAddress uint32
	KPUMemOutAddress uint32
	Channels         uint32
}

func DecodeAddPaddingArgs(b []byte) AddPaddingArgs {
	return AddPaddingArgs{
		Flags:            u32(b, 0),
		MainMemInAddress: u32(b, 4),
		KPUMemOutAddress: u32(b, 8),
		Channels:         u32(b, 12),
	}
}

// RemovePaddingArgs is the body of a K210_REMOVE_PADDING layer.
type RemovePaddingArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	Channels          uint32
}

func DecodeRemovePaddingArgs(b []byte) RemovePaddingArgs {
	return RemovePaddingArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		Channels:          u32(b, 12),
	}
}

// UploadArgs is the body of a K210_UPLOAD layer.
type UploadArgs struct {
	Flags            uint32
	MainMemInAddress uint32
	KPUMemOutAddress uint32
	Width            uint32
	Height           uint32
	Channels         uint32
}

func DecodeUploadArgs(b []byte) UploadArgs {
	return UploadArgs{
		Flags:            u32(b, 0),
		MainMemInAddress: u32(b, 4),
		KPUMemOutAddress: u32(b, 8),
		Width:            u32(b, 12),
		Height:           u32(b, 16),
		Channels:         u32(b, 20),
	}
}

// FullyConnectedArgs is the body of a FULLY_CONNECTED layer. Weights holds
// OutChannels*InChannels f32 values row-major, followed by OutChannels f32
// biases; both are views into the blob.
type FullyConnectedArgs struct {
	Flags             uint32
	MainMemInAddress  uint32
	MainMemOutAddress uint32
	InChannels        uint32
	OutChannels       uint32
	Weights           []byte
	Biases            []byte
}

func DecodeFullyConnectedArgs(b []byte) FullyConnectedArgs {
	a := FullyConnectedArgs{
		Flags:             u32(b, 0),
		MainMemInAddress:  u32(b, 4),
		MainMemOutAddress: u32(b, 8),
		InChannels:        u32(b, 12),
		OutChannels:       u32(b, 16),
	}
	wBytes := int(a.OutChannels*a.InChannels) * 4
	bBytes := int(a.OutChannels) * 4
	a.Weights = b[20 : 20+wBytes]
	a.Biases = b[20+wBytes : 20+wBytes+bBytes]
	return a
}
