package kernels

// QuantAffine is one operand's quantization triple for QuantizedAdd.
type QuantAffine struct {
	Offset int64
	Mul    int64
	Shift  int64
}

// QuantizedAdd adds two u8 streams under per-operand affine quantization
// and requantizes the sum to u8 with saturation. All intermediates are
// 64-bit signed; shifts are arithmetic.
//
// When both input shifts agree the operands are summed before the shared
// shift, which preserves one extra bit of precision.
func QuantizedAdd(dst, srcA, srcB []byte, count int, qa, qb, qo QuantAffine) {
	if qa.Shift == qb.Shift {
		for i := 0; i < count; i++ {
			a := (int64(srcA[i]) + qa.Offset) * qa.Mul
			b := (int64(srcB[i]) + qb.Offset) * qb.Mul
			dst[i] = satU8(((a+b)>>qa.Shift)*qo.Mul>>qo.Shift + qo.Offset)
		}
		return
	}
	for i := 0; i < count; i++ {
		a := (int64(srcA[i]) + qa.Offset) * qa.Mul >> qa.Shift
		b := (int64(srcB[i]) + qb.Offset) * qb.Mul >> qb.Shift
		dst[i] = satU8((a+b)*qo.Mul>>qo.Shift + qo.Offset)
	}
}

func satU8(v int64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 0xFF {
		return 0xFF
	}
	return uint8(v)
}

// Shape is a (width, height, channels) tensor extent.
type Shape struct {
	Width    int
	Height   int
	Channels int
}

// MaxPool2DParams configures QuantizedMaxPool2D.
type MaxPool2DParams struct {
	In            Shape
	Out           Shape
	KernelWidth   int
	KernelHeight  int
	StrideWidth   int
	StrideHeight  int
	PaddingWidth  int
	PaddingHeight int
}

// QuantizedMaxPool2D max-pools a u8 tensor stored as contiguous
// width*height planes per channel. Padded positions do not contribute: the
// receptive field is clamped to the input extent.
func QuantizedMaxPool2D(dst, src []byte, p MaxPool2DParams) {
	for oc := 0; oc < p.Out.Channels; oc++ {
		channelSrc := src[p.In.Width*p.In.Height*oc:]
		for outY := 0; outY < p.Out.Height; outY++ {
			for outX := 0; outX < p.Out.Width; outX++ {
				inXOrigin := outX*p.StrideWidth - p.PaddingWidth
				inYOrigin := outY*p.StrideHeight - p.PaddingHeight
				kernelXStart := max(0, -inXOrigin)
				kernelXEnd := min(p.KernelWidth, p.In.Width-inXOrigin)
				kernelYStart := max(0, -inYOrigin)
				kernelYEnd := min(p.KernelHeight, p.In.Height-inYOrigin)

				var value uint8
				for ky := kernelYStart; ky < kernelYEnd; ky++ {
					for kx := kernelXStart; kx < kernelXEnd; kx++ {
						value = max(value, channelSrc[(inYOrigin+ky)*p.In.Width+inXOrigin+kx])
					}
				}
				dst[0] = value
				dst = dst[1:]
			}
		}
	}
}
