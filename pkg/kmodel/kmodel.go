// Package kmodel reads the kmodel v3 binary container produced by the
// nncase offline compiler for the Kendryte K210 KPU.
//
// A kmodel is a flat little-endian blob: a fixed header, a table of output
// descriptors, a table of layer headers and the concatenated layer bodies.
// The on-disk layout is the in-memory layout; this package validates the
// structure and hands out zero-copy views into the blob.
package kmodel

// LayerType tags a layer body. The values are part of the kmodel wire
// format; software layers are small integers, K210 hardware layers start
// at 10240.
type LayerType uint32

const (
	LayerInvalid LayerType = iota
	LayerAdd
	LayerQuantizedAdd
	LayerGlobalMaxPool2D
	LayerQuantizedGlobalMaxPool2D
	LayerGlobalAveragePool2D
	LayerQuantizedGlobalAveragePool2D
	LayerMaxPool2D
	LayerQuantizedMaxPool2D
	LayerAveragePool2D
	LayerQuantizedAveragePool2D
	LayerQuantize
	LayerDequantize
	LayerRequantize
	LayerL2Normalization
	LayerSoftmax
	LayerConcat
	LayerQuantizedConcat
	LayerFullyConnected
	LayerQuantizedFullyConnected
	LayerTensorflowFlatten
	LayerQuantizedTensorflowFlatten
)

const (
	LayerK210Conv LayerType = 10240 + iota
	LayerK210AddPadding
	LayerK210RemovePadding
	LayerK210Upload
)

func (t LayerType) String() string {
	switch t {
	case LayerAdd:
		return "Add"
	case LayerQuantizedAdd:
		return "QuantAdd"
	case LayerGlobalAveragePool2D:
		return "GAP"
	case LayerQuantizedMaxPool2D:
		return "QuantMaxPool2d"
	case LayerQuantize:
		return "Quantize"
	case LayerDequantize:
		return "Dequantize"
	case LayerRequantize:
		return "Requantize"
	case LayerL2Normalization:
		return "L2Norm"
	case LayerSoftmax:
		return "Softmax"
	case LayerConcat:
		return "Concat"
	case LayerQuantizedConcat:
		return "QuantConcat"
	case LayerFullyConnected:
		return "FullyConnected"
	case LayerK210Conv:
		return "K210Conv"
	case LayerK210AddPadding:
		return "K210AddPad"
	case LayerK210RemovePadding:
		return "K210RemovePad"
	case LayerK210Upload:
		return "K210Upload"
	default:
		return "Unknown"
	}
}

// Conv layer flags.
const (
	// FlagMainMemOut routes the convolution output through the data-out
	// FIFO into main memory instead of leaving it in KPU SRAM.
	FlagMainMemOut uint32 = 1
)

// HeaderFlagEightBit is bit 0 of Header.Flags: the whole model runs the
// KPU in 8-bit mode.
const HeaderFlagEightBit uint32 = 1
