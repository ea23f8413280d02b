package kmodel

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Model is a parsed kmodel. It references the blob; the blob must stay
// valid (and unmodified) for as long as the Model is in use.
type Model struct {
	Data         []byte
	Header       Header
	Outputs      []Output
	LayerHeaders []LayerHeader

	bodyStart int
	mmapped   bool
}

// Parse validates a kmodel blob and builds zero-copy views into it.
func Parse(data []byte) (*Model, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptModel
	}
	hdr := decodeHeader(data)
	if hdr.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}
	if hdr.Arch != CurrentArch {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArch, hdr.Arch)
	}

	outOff := headerSize
	outEnd := outOff + int(hdr.OutputCount)*outputDescSize
	layerOff := outEnd
	layerEnd := layerOff + int(hdr.LayersLength)*layerHeaderSize
	if outEnd < outOff || layerEnd < layerOff || layerEnd > len(data) {
		return nil, fmt.Errorf("%w: tables out of bounds", ErrCorruptModel)
	}

	outputs := make([]Output, hdr.OutputCount)
	for i := range outputs {
		base := outOff + i*outputDescSize
		outputs[i] = Output{
			Address: binary.LittleEndian.Uint32(data[base:]),
			Size:    binary.LittleEndian.Uint32(data[base+4:]),
		}
		end := uint64(outputs[i].Address) + uint64(outputs[i].Size)
		if end > uint64(hdr.MainMemUsage) {
			return nil, fmt.Errorf("%w: output %d outside main buffer", ErrCorruptModel, i)
		}
	}

	headers := make([]LayerHeader, hdr.LayersLength)
	var bodyTotal uint64
	for i := range headers {
		base := layerOff + i*layerHeaderSize
		headers[i] = LayerHeader{
			Type:     LayerType(binary.LittleEndian.Uint32(data[base:])),
			BodySize: binary.LittleEndian.Uint32(data[base+4:]),
		}
		bodyTotal += uint64(headers[i].BodySize)
	}

	// The bodies must exactly fill the remainder of the blob; anything
	// else means the header tables and the body stream disagree.
	if bodyTotal != uint64(len(data)-layerEnd) {
		return nil, fmt.Errorf("%w: body sizes sum to %d, %d bytes remain", ErrCorruptModel, bodyTotal, len(data)-layerEnd)
	}

	return &Model{
		Data:         data,
		Header:       hdr,
		Outputs:      outputs,
		LayerHeaders: headers,
		bodyStart:    layerEnd,
	}, nil
}

// Open maps a kmodel file read-only and parses it. If mmap is unavailable
// the file is read into memory instead. The returned model must be closed
// to release any mapping.
func Open(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptModel
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		m, parseErr := Parse(data)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		m.mmapped = true
		return m, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Close releases the mmap backing, if any.
func (m *Model) Close() error {
	if m == nil || m.Data == nil {
		return nil
	}
	var err error
	if m.mmapped {
		err = unix.Munmap(m.Data)
	}
	m.Data = nil
	m.mmapped = false
	return err
}

// BodyStart returns the byte offset of the first layer body.
func (m *Model) BodyStart() int {
	return m.bodyStart
}

// Body returns the body bytes of layer i.
func (m *Model) Body(i int) []byte {
	off := m.bodyStart
	for j := 0; j < i; j++ {
		off += int(m.LayerHeaders[j].BodySize)
	}
	return m.Data[off : off+int(m.LayerHeaders[i].BodySize)]
}
