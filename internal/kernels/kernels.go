// Package kernels holds the CPU implementations of the non-convolutional
// kmodel layer types. Every kernel reads and writes sub-slices of the
// model's main buffer; float tensors are packed little-endian f32.
package kernels

import (
	"encoding/binary"
	"math"
)

func getF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

func putF32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
}

// Add computes dst[i] = a[i] + b[i] over count f32 elements.
func Add(dst, a, b []byte, count int) {
	for i := 0; i < count; i++ {
		putF32(dst, i, getF32(a, i)+getF32(b, i))
	}
}

// GlobalAveragePool averages kernelSize contiguous f32 inputs per channel.
func GlobalAveragePool(dst, src []byte, channels, kernelSize int) {
	for oc := 0; oc < channels; oc++ {
		var sum float32
		for i := 0; i < kernelSize; i++ {
			sum += getF32(src, oc*kernelSize+i)
		}
		putF32(dst, oc, sum/float32(kernelSize))
	}
}

// Quantize maps f32 to u8 via v = (x - bias) / scale, saturating to
// [0, 255].
func Quantize(dst, src []byte, count int, scale, bias float32) {
	inv := 1 / scale
	for i := 0; i < count; i++ {
		v := int32((getF32(src, i) - bias) * inv)
		if v < 0 {
			v = 0
		}
		if v > 0xFF {
			v = 0xFF
		}
		dst[i] = uint8(v)
	}
}

// Dequantize maps u8 to f32 via y = x*scale + bias.
func Dequantize(dst, src []byte, count int, scale, bias float32) {
	for i := 0; i < count; i++ {
		putF32(dst, i, float32(src[i])*scale+bias)
	}
}

// Requantize remaps u8 values through a 256-entry lookup table.
func Requantize(dst, src []byte, count int, table []byte) {
	for i := 0; i < count; i++ {
		dst[i] = table[src[i]]
	}
}

// L2Normalize divides each of the channels f32 inputs by the L2 norm of
// the vector; the squared sum is clamped to 1e-10 from below.
func L2Normalize(dst, src []byte, channels int) {
	var sum float32
	for oc := 0; oc < channels; oc++ {
		v := getF32(src, oc)
		sum += v * v
	}
	const epsilon = 1e-10
	if sum < epsilon {
		sum = epsilon
	}
	inv := 1 / float32(math.Sqrt(float64(sum)))
	for oc := 0; oc < channels; oc++ {
		putF32(dst, oc, getF32(src, oc)*inv)
	}
}

// Softmax computes a channel-wise softmax with max subtraction for
// numerical stability.
func Softmax(dst, src []byte, channels int) {
	maxv := float32(math.Inf(-1))
	for oc := 0; oc < channels; oc++ {
		if v := getF32(src, oc); v > maxv {
			maxv = v
		}
	}

	var sum float32
	for oc := 0; oc < channels; oc++ {
		v := float32(math.Exp(float64(getF32(src, oc) - maxv)))
		sum += v
		putF32(dst, oc, v)
	}

	for oc := 0; oc < channels; oc++ {
		putF32(dst, oc, getF32(dst, oc)/sum)
	}
}

// Concat copies the source ranges into dst back to back.
func Concat(dst []byte, srcs [][]byte) {
	for _, src := range srcs {
		copy(dst, src)
		dst = dst[len(src):]
	}
}

// FullyConnected computes dst = weights * src + biases, with weights laid
// out row-major as outChannels rows of inChannels f32 coefficients.
func FullyConnected(dst, src, weights, biases []byte, inChannels, outChannels int) {
	for oc := 0; oc < outChannels; oc++ {
		sum := getF32(biases, oc)
		for ic := 0; ic < inChannels; ic++ {
			sum += getF32(src, ic) * getF32(weights, oc*inChannels+ic)
		}
		putF32(dst, oc, sum)
	}
}
