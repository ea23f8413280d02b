package kmodel

import "encoding/binary"

// Builder assembles kmodel blobs. The runtime only ever reads models, but
// the tests need to mint small ones; keeping the
// writer next to the reader keeps the two views of the wire format honest.
type Builder struct {
	flags        uint32
	maxStartAddr uint32
	mainMemUsage uint32
	outputs      []Output
	layers       []builtLayer
}

type builtLayer struct {
	typ  LayerType
	body []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) SetFlags(flags uint32) *Builder {
	b.flags = flags
	return b
}

func (b *Builder) SetMainMemUsage(n uint32) *Builder {
	b.mainMemUsage = n
	return b
}

func (b *Builder) AddOutput(address, size uint32) *Builder {
	b.outputs = append(b.outputs, Output{Address: address, Size: size})
	return b
}

func (b *Builder) AddLayer(t LayerType, body []byte) *Builder {
	b.layers = append(b.layers, builtLayer{typ: t, body: body})
	return b
}

// Bytes serializes the model.
func (b *Builder) Bytes() []byte {
	size := headerSize + len(b.outputs)*outputDescSize + len(b.layers)*layerHeaderSize
	for _, l := range b.layers {
		size += len(l.body)
	}
	out := make([]byte, size)

	hdr := Header{
		Version:         CurrentVersion,
		Flags:           b.flags,
		Arch:            CurrentArch,
		LayersLength:    uint32(len(b.layers)),
		MaxStartAddress: b.maxStartAddr,
		MainMemUsage:    b.mainMemUsage,
		OutputCount:     uint32(len(b.outputs)),
	}
	hdr.encode(out)

	off := headerSize
	for _, o := range b.outputs {
		binary.LittleEndian.PutUint32(out[off:], o.Address)
		binary.LittleEndian.PutUint32(out[off+4:], o.Size)
		off += outputDescSize
	}
	for _, l := range b.layers {
		binary.LittleEndian.PutUint32(out[off:], uint32(l.typ))
		binary.LittleEndian.PutUint32(out[off+4:], uint32(len(l.body)))
		off += layerHeaderSize
	}
	for _, l := range b.layers {
		copy(out[off:], l.body)
		off += len(l.body)
	}
	return out
}

// Args packs little-endian u32 words, the common body building block.
func Args(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
