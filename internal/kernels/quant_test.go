package kernels

import "testing"

func TestQuantizedAddSaturates(t *testing.T) {
	// With unit multipliers and zero offsets/shifts the kernel behaves as
	// an unsigned saturating add.
	a := []byte{200, 200, 200, 200}
	b := []byte{100, 100, 100, 100}
	dst := make([]byte, 4)
	unit := QuantAffine{Mul: 1}
	QuantizedAdd(dst, a, b, 4, unit, unit, unit)
	for i, v := range dst {
		if v != 255 {
			t.Fatalf("dst[%d] = %d, want 255", i, v)
		}
	}
}

func TestQuantizedAddEqualShifts(t *testing.T) {
	a := []byte{10}
	b := []byte{20}
	dst := make([]byte, 1)
	qa := QuantAffine{Offset: 2, Mul: 4, Shift: 1}
	qb := QuantAffine{Offset: 0, Mul: 4, Shift: 1}
	qo := QuantAffine{Offset: 1, Mul: 2, Shift: 2}
	// ((10+2)*4 + 20*4) >> 1 = 64; (64*2)>>2 + 1 = 33
	QuantizedAdd(dst, a, b, 1, qa, qb, qo)
	if dst[0] != 33 {
		t.Fatalf("got %d, want 33", dst[0])
	}
}

func TestQuantizedAddUnequalShifts(t *testing.T) {
	a := []byte{16}
	b := []byte{8}
	dst := make([]byte, 1)
	qa := QuantAffine{Mul: 2, Shift: 1} // 16*2>>1 = 16
	qb := QuantAffine{Mul: 4, Shift: 2} // 8*4>>2 = 8
	qo := QuantAffine{Offset: -4, Mul: 1, Shift: 0}
	QuantizedAdd(dst, a, b, 1, qa, qb, qo)
	if dst[0] != 20 {
		t.Fatalf("got %d, want 20", dst[0])
	}
}

func TestQuantizedAddClampsNegative(t *testing.T) {
	a := []byte{1}
	b := []byte{1}
	dst := []byte{0xAA}
	qo := QuantAffine{Offset: -100, Mul: 1}
	QuantizedAdd(dst, a, b, 1, QuantAffine{Mul: 1}, QuantAffine{Mul: 1}, qo)
	if dst[0] != 0 {
		t.Fatalf("got %d, want 0", dst[0])
	}
}

func TestQuantizedMaxPool2x2Stride2(t *testing.T) {
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i + 1)
	}
	dst := make([]byte, 4)
	QuantizedMaxPool2D(dst, src, MaxPool2DParams{
		In:           Shape{Width: 4, Height: 4, Channels: 1},
		Out:          Shape{Width: 2, Height: 2, Channels: 1},
		KernelWidth:  2,
		KernelHeight: 2,
		StrideWidth:  2,
		StrideHeight: 2,
	})
	want := []byte{6, 8, 14, 16}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestQuantizedMaxPoolPaddingIgnored(t *testing.T) {
	// 2x2 input, 3x3 kernel with padding 1: every window is clamped to
	// the input extent, so each output is the max of the valid cells.
	src := []byte{5, 9, 2, 7}
	dst := make([]byte, 4)
	QuantizedMaxPool2D(dst, src, MaxPool2DParams{
		In:            Shape{Width: 2, Height: 2, Channels: 1},
		Out:           Shape{Width: 2, Height: 2, Channels: 1},
		KernelWidth:   3,
		KernelHeight:  3,
		StrideWidth:   1,
		StrideHeight:  1,
		PaddingWidth:  1,
		PaddingHeight: 1,
	})
	for i, v := range dst {
		if v != 9 {
			t.Fatalf("dst[%d] = %d, want 9", i, v)
		}
	}
}

func TestQuantizedMaxPoolMultiChannel(t *testing.T) {
	// Two 2x2 planes pooled to 1x1 each.
	src := []byte{
		1, 2, 3, 4, // channel 0
		40, 30, 20, 10, // channel 1
	}
	dst := make([]byte, 2)
	QuantizedMaxPool2D(dst, src, MaxPool2DParams{
		In:           Shape{Width: 2, Height: 2, Channels: 2},
		Out:          Shape{Width: 1, Height: 1, Channels: 2},
		KernelWidth:  2,
		KernelHeight: 2,
		StrideWidth:  2,
		StrideHeight: 2,
	})
	if dst[0] != 4 || dst[1] != 40 {
		t.Fatalf("got %v, want [4 40]", dst)
	}
}
