package kmodel

import "encoding/binary"

const (
	// CurrentVersion is the only kmodel container version this runtime
	// accepts.
	CurrentVersion uint32 = 3
	// CurrentArch is the K210 target architecture tag.
	CurrentArch uint32 = 0

	headerSize      = 28
	outputDescSize  = 8
	layerHeaderSize = 8
)

// Header is the fixed-size record at the start of every kmodel.
type Header struct {
	Version         uint32
	Arch            uint32
	Flags           uint32
	LayersLength    uint32
	MaxStartAddress uint32 // unused at runtime
	MainMemUsage    uint32
	OutputCount     uint32
}

func decodeHeader(b []byte) Header {
	return Header{
		Version:         binary.LittleEndian.Uint32(b[0:]),
		Arch:            binary.LittleEndian.Uint32(b[4:]),
		Flags:           binary.LittleEndian.Uint32(b[8:]),
		LayersLength:    binary.LittleEndian.Uint32(b[12:]),
		MaxStartAddress: binary.LittleEndian.Uint32(b[16:]),
		MainMemUsage:    binary.LittleEndian.Uint32(b[20:]),
		OutputCount:     binary.LittleEndian.Uint32(b[24:]),
	}
}

func (h Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Version)
	binary.LittleEndian.PutUint32(b[4:], h.Arch)
	binary.LittleEndian.PutUint32(b[8:], h.Flags)
	binary.LittleEndian.PutUint32(b[12:], h.LayersLength)
	binary.LittleEndian.PutUint32(b[16:], h.MaxStartAddress)
	binary.LittleEndian.PutUint32(b[20:], h.MainMemUsage)
	binary.LittleEndian.PutUint32(b[24:], h.OutputCount)
}

// EightBitMode reports whether the model drives the KPU in 8-bit mode.
func (h Header) EightBitMode() bool {
	return h.Flags&HeaderFlagEightBit != 0
}

// Output locates one model output inside the main buffer.
type Output struct {
	Address uint32
	Size    uint32
}

// LayerHeader describes one layer: its type tag and the size of its body.
type LayerHeader struct {
	Type     LayerType
	BodySize uint32
}
