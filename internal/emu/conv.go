package emu

import (
	"encoding/binary"

	"github.com/k210dev/kpu/internal/layout"
	"github.com/k210dev/kpu/pkg/kpu"
)

// BatchNormWord packs one per-channel batch-norm entry the way the KPU
// reads it: value = (acc * mul >> shift) + add.
func BatchNormWord(mul int32, shift uint32, add int32) uint64 {
	return uint64(uint32(mul))&0xFF_FFFF |
		uint64(uint32(add))<<24 |
		uint64(shift&0xF)<<56
}

// execConv runs one queued layer descriptor. It reads the tiled input
// image from SRAM, applies the 1x1 convolution and per-channel batch
// norm, then either tiles the result back into SRAM and raises calc_done,
// or streams it out the data FIFO for the DMA engine to drain.
func (d *Device) execConv(desc kpu.Descriptor) {
	w := desc.InputWidth()
	h := desc.InputHeight()
	ic := desc.InputChannels()
	oc := desc.OutputChannels()
	ow := desc.OutputWidth()
	oh := desc.OutputHeight()

	g := layout.ForWidth(w)
	img := make([]byte, w*h*ic)
	layout.Download(img, d.window(kpu.DefaultSRAMBase+desc.ImageSrcAddr()*64, g.ImageBytes(h, ic)), w, h, ic)

	weights := d.window(desc.WeightsBaseAddr(), oc*ic)
	bn := d.window(desc.BNBaseAddr(), oc*8)

	out := make([]byte, ow*oh*oc)
	for o := 0; o < oc; o++ {
		word := binary.LittleEndian.Uint64(bn[o*8:])
		mul := int64(int32(word<<8) >> 8)
		add := int64(int32(word >> 24))
		shift := uint(word >> 56 & 0xF)
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				var acc int64
				for i := 0; i < ic; i++ {
					acc += int64(int8(weights[o*ic+i])) * int64(img[i*w*h+y*w+x])
				}
				v := acc*mul>>shift + add
				if v < 0 {
					v = 0
				}
				if v > 0xFF {
					v = 0xFF
				}
				out[o*ow*oh+y*ow+x] = byte(v)
			}
		}
	}

	if desc.SendDataOut() {
		padded := out
		if rem := len(out) % 8; rem != 0 {
			padded = append(padded, make([]byte, 8-rem)...)
		}
		d.out.push(padded)
		return
	}

	og := layout.ForWidth(ow)
	layout.Upload(d.window(kpu.DefaultSRAMBase+desc.ImageDstAddr()*64, og.ImageBytes(oh, oc)), out, ow, oh, oc)
	d.raise(kpu.IRQCalcDone, desc.InterruptEnable())
}
