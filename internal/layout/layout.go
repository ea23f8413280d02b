// Package layout converts row-major image tensors into the tiled
// per-channel format the KPU reads from its SRAM. SRAM is addressed in
// 64-byte rows; narrow images share a row between channel groups.
package layout

import "encoding/binary"

// Geometry is the tiling parameter set for one image width.
type Geometry struct {
	RowPadding int
	RowGroup   int
	RowLength  int
}

// ForWidth returns the tiling geometry the KPU applies to images of the
// given pixel width.
func ForWidth(width int) Geometry {
	switch {
	case width <= 16:
		return Geometry{RowPadding: 16, RowGroup: 4, RowLength: 1}
	case width <= 32:
		return Geometry{RowPadding: 32, RowGroup: 2, RowLength: 1}
	default:
		return Geometry{RowPadding: 64, RowGroup: 1, RowLength: (width + 63) / 64}
	}
}

// Offset returns the byte offset of pixel (c, y, x) within the per-image
// SRAM base for an image of the given height.
func (g Geometry) Offset(c, y, x, height int) int {
	return c/g.RowGroup*g.RowLength*height*64 + c%g.RowGroup*g.RowPadding + y*g.RowLength*64 + x
}

// ImageBytes returns the number of SRAM bytes an image of the given
// dimensions occupies under geometry g.
func (g Geometry) ImageBytes(height, channels int) int {
	groups := (channels + g.RowGroup - 1) / g.RowGroup
	return groups * g.RowLength * height * 64
}

// Upload re-tiles a (width, height, channels) row-major u8 tensor from src
// into dst, where dst is the SRAM region starting at the image base.
// Bytes between x < width and x < row_padding are left untouched.
func Upload(dst, src []byte, width, height, channels int) {
	g := ForWidth(width)

	// Eight bytes at a time when the width is a multiple of eight; the
	// tiled destination rows are always 8-byte aligned.
	if width%8 == 0 {
		w8 := width / 8
		for c := 0; c < channels; c++ {
			channelOrigin := c/g.RowGroup*g.RowLength*height*64 + c%g.RowGroup*g.RowPadding
			for y := 0; y < height; y++ {
				yOrigin := channelOrigin + y*g.RowLength*64
				for x := 0; x < w8; x++ {
					v := binary.LittleEndian.Uint64(src)
					binary.LittleEndian.PutUint64(dst[yOrigin+x*8:], v)
					src = src[8:]
				}
			}
		}
		return
	}

	for c := 0; c < channels; c++ {
		channelOrigin := c/g.RowGroup*g.RowLength*height*64 + c%g.RowGroup*g.RowPadding
		for y := 0; y < height; y++ {
			yOrigin := channelOrigin + y*g.RowLength*64
			for x := 0; x < width; x++ {
				dst[yOrigin+x] = src[0]
				src = src[1:]
			}
		}
	}
}

// Download is the inverse of Upload: it gathers a tiled image from src
// back into a row-major tensor in dst.
func Download(dst, src []byte, width, height, channels int) {
	g := ForWidth(width)
	for c := 0; c < channels; c++ {
		channelOrigin := c/g.RowGroup*g.RowLength*height*64 + c%g.RowGroup*g.RowPadding
		for y := 0; y < height; y++ {
			yOrigin := channelOrigin + y*g.RowLength*64
			for x := 0; x < width; x++ {
				dst[0] = src[yOrigin+x]
				dst = dst[1:]
			}
		}
	}
}
