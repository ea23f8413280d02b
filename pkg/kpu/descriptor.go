package kpu

import "encoding/binary"

// DescriptorWords is the length of a KPU layer descriptor: twelve 64-bit
// registers pushed into the layer-argument FIFO in order.
const DescriptorWords = 12

// DescriptorBytes is the wire size of a descriptor inside a kmodel blob.
const DescriptorBytes = DescriptorWords * 8

// Descriptor is one hardware convolution layer's register image. Models
// store descriptors with blob-relative offsets in the weight, batch-norm
// and activation address fields; dispatch patches a local copy to
// absolute bus addresses and never writes back to the blob.
type Descriptor [DescriptorWords]uint64

// Descriptor word indices.
const (
	wordInterruptEnable = iota
	wordImageAddr
	wordImageChannelNum
	wordImageSize
	wordKernelPoolTypeCfg
	wordKernelLoadCfg
	wordKernelOffset
	wordKernelCalcTypeCfg
	wordWriteBackCfg
	wordConvValue
	wordConvValue2
	wordDMAParameter
)

// DecodeDescriptor reads a descriptor from 96 little-endian bytes.
func DecodeDescriptor(b []byte) Descriptor {
	var d Descriptor
	for i := range d {
		d[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return d
}

// Bytes serializes the descriptor in blob layout.
func (d Descriptor) Bytes() []byte {
	out := make([]byte, DescriptorBytes)
	for i, w := range d {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func (d *Descriptor) bits(word, lo, width uint) uint64 {
	return d[word] >> lo & (1<<width - 1)
}

func (d *Descriptor) setBits(word, lo, width uint, v uint64) {
	mask := uint64(1<<width-1) << lo
	d[word] = d[word]&^mask | v<<lo&mask
}

func (d *Descriptor) InterruptEnable() bool { return d.bits(wordInterruptEnable, 0, 1) != 0 }
func (d *Descriptor) SetInterruptEnable(on bool) {
	var v uint64
	if on {
		v = 1
	}
	d.setBits(wordInterruptEnable, 0, 1, v)
}

// Image addresses are in 64-byte SRAM rows.
func (d *Descriptor) ImageSrcAddr() uint64     { return d.bits(wordImageAddr, 0, 15) }
func (d *Descriptor) SetImageSrcAddr(v uint64) { d.setBits(wordImageAddr, 0, 15, v) }
func (d *Descriptor) ImageDstAddr() uint64     { return d.bits(wordImageAddr, 32, 15) }
func (d *Descriptor) SetImageDstAddr(v uint64) { d.setBits(wordImageAddr, 32, 15, v) }

// Channel counts are stored minus one.
func (d *Descriptor) InputChannels() int     { return int(d.bits(wordImageChannelNum, 0, 10)) + 1 }
func (d *Descriptor) SetInputChannels(n int) { d.setBits(wordImageChannelNum, 0, 10, uint64(n-1)) }
func (d *Descriptor) OutputChannels() int    { return int(d.bits(wordImageChannelNum, 32, 10)) + 1 }
func (d *Descriptor) SetOutputChannels(n int) {
	d.setBits(wordImageChannelNum, 32, 10, uint64(n-1))
}

// Image dimensions are stored minus one.
func (d *Descriptor) InputWidth() int      { return int(d.bits(wordImageSize, 0, 10)) + 1 }
func (d *Descriptor) SetInputWidth(n int)  { d.setBits(wordImageSize, 0, 10, uint64(n-1)) }
func (d *Descriptor) InputHeight() int     { return int(d.bits(wordImageSize, 10, 9)) + 1 }
func (d *Descriptor) SetInputHeight(n int) { d.setBits(wordImageSize, 10, 9, uint64(n-1)) }
func (d *Descriptor) OutputWidth() int     { return int(d.bits(wordImageSize, 32, 10)) + 1 }
func (d *Descriptor) SetOutputWidth(n int) { d.setBits(wordImageSize, 32, 10, uint64(n-1)) }
func (d *Descriptor) OutputHeight() int    { return int(d.bits(wordImageSize, 42, 9)) + 1 }
func (d *Descriptor) SetOutputHeight(n int) {
	d.setBits(wordImageSize, 42, 9, uint64(n-1))
}

// BNBaseAddr is the batch-norm parameter base (bwsx_base_addr); patched
// at dispatch.
func (d *Descriptor) BNBaseAddr() uint64     { return d.bits(wordKernelPoolTypeCfg, 32, 32) }
func (d *Descriptor) SetBNBaseAddr(v uint64) { d.setBits(wordKernelPoolTypeCfg, 32, 32, v) }

// WeightsBaseAddr is the kernel load base (para_start_addr); patched at
// dispatch.
func (d *Descriptor) WeightsBaseAddr() uint64     { return d.bits(wordKernelLoadCfg, 32, 32) }
func (d *Descriptor) SetWeightsBaseAddr(v uint64) { d.setBits(wordKernelLoadCfg, 32, 32, v) }

// ChannelSwitchAddr is the per-channel SRAM row stride of the input
// image.
func (d *Descriptor) ChannelSwitchAddr() uint64     { return d.bits(wordKernelCalcTypeCfg, 0, 15) }
func (d *Descriptor) SetChannelSwitchAddr(v uint64) { d.setBits(wordKernelCalcTypeCfg, 0, 15, v) }

func (d *Descriptor) LoadAct() bool { return d.bits(wordKernelCalcTypeCfg, 30, 1) != 0 }
func (d *Descriptor) SetLoadAct(on bool) {
	var v uint64
	if on {
		v = 1
	}
	d.setBits(wordKernelCalcTypeCfg, 30, 1, v)
}

// ActBaseAddr is the activation table base (active_addr); patched at
// dispatch.
func (d *Descriptor) ActBaseAddr() uint64     { return d.bits(wordKernelCalcTypeCfg, 32, 32) }
func (d *Descriptor) SetActBaseAddr(v uint64) { d.setBits(wordKernelCalcTypeCfg, 32, 32, v) }

func (d *Descriptor) SendDataOut() bool { return d.bits(wordDMAParameter, 0, 1) != 0 }
func (d *Descriptor) SetSendDataOut(on bool) {
	var v uint64
	if on {
		v = 1
	}
	d.setBits(wordDMAParameter, 0, 1, v)
}

func (d *Descriptor) ChannelByteNum() uint64     { return d.bits(wordDMAParameter, 16, 16) }
func (d *Descriptor) SetChannelByteNum(v uint64) { d.setBits(wordDMAParameter, 16, 16, v) }

// DMATotalByte is the output byte count minus one.
func (d *Descriptor) DMATotalByte() uint64     { return d.bits(wordDMAParameter, 32, 32) }
func (d *Descriptor) SetDMATotalByte(v uint64) { d.setBits(wordDMAParameter, 32, 32, v) }
