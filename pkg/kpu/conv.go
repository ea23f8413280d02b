package kpu

import (
	"github.com/k210dev/kpu/internal/layout"
	"github.com/k210dev/kpu/pkg/kmodel"
)

// dispatchConv queues one hardware convolution. The descriptor is copied
// out of the blob and patched locally: the weight, batch-norm and
// activation fields hold blob-relative offsets in the model and must
// carry absolute bus addresses on the wire. The blob itself is never
// written, so a model can be run any number of times.
func (d *Device) dispatchConv(arg kmodel.ConvArgs) {
	m := d.rc.m
	desc := m.descriptorAt(arg.LayerOffset)
	desc.SetWeightsBaseAddr(m.blobBase + uint64(arg.WeightsOffset))
	desc.SetBNBaseAddr(m.blobBase + uint64(arg.BNOffset))
	desc.SetActBaseAddr(m.blobBase + uint64(arg.ActOffset))

	switch {
	case arg.Flags&kmodel.FlagMainMemOut != 0:
		// Output streams out the data FIFO; the DMA engine, not the
		// ISR, gives the completion semaphore.
		desc.SetSendDataOut(true)
		d.ch.SetRequestSource(d.cfg.DMARequestSource)
		count := int(desc.DMATotalByte()+8) / 8
		d.ch.TransmitAsync(
			d.regs.DataOutAddr(), m.arenaBase+uint64(arg.MainMemOutAddress),
			false, true, 8, count, 8, d.sem)
	case d.cfg.Debug:
		d.regs.SetInterruptMask(IRQCalcDone | IRQLayerCfgAlmostEmpty | IRQLayerCfgAlmostFull)
		desc.SetInterruptEnable(true)
	default:
		// Result stays in SRAM; only calc_done may wake the CPU.
		d.regs.SetInterruptMask(IRQLayerCfgAlmostEmpty | IRQLayerCfgAlmostFull)
	}

	for _, word := range desc {
		d.regs.PushLayerArgument(word)
	}
}

// stageInputDMA feeds the input image straight into KPU SRAM. Only legal
// when the row width is a whole number of 64-byte SRAM rows, i.e. the
// row-major and tiled layouts coincide.
func (d *Device) stageInputDMA(desc *Descriptor, srcBase uint64) {
	inputSize := desc.ChannelSwitchAddr() * 64 * uint64(desc.InputChannels())
	d.ch.SetRequestSource(d.cfg.DMARequestSource)
	d.ch.TransmitAsync(
		srcBase, d.cfg.SRAMBase+desc.ImageSrcAddr()*64,
		true, true, 8, int(inputSize/8), 16, d.sem)
}

// stageInputTiled re-tiles the input image into KPU SRAM on the CPU.
func (d *Device) stageInputTiled(desc *Descriptor, src []byte) {
	w := desc.InputWidth()
	h := desc.InputHeight()
	c := desc.InputChannels()
	g := layout.ForWidth(w)
	sram := d.sram(desc.ImageSrcAddr(), g.ImageBytes(h, c))
	layout.Upload(sram, src[:w*h*c], w, h, c)
}
