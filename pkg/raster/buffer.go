// Package raster holds the pixel buffers exchanged between producers and
// storage committers.
package raster

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/kiesman99/rasterstream/pkg/region"
)

// Pixel sizes understood by the image conversions.
const (
	Gray = 1
	RGBA = 4
)

// Buffer holds the interleaved pixels of exactly Region, axis 0 fastest.
type Buffer struct {
	Region    region.Region
	PixelSize int
	Pix       []byte
}

// NewBuffer allocates a zeroed buffer for r.
func NewBuffer(r region.Region, pixelSize int) *Buffer {
	return &Buffer{
		Region:    region.New(r.Index, r.Size),
		PixelSize: pixelSize,
		Pix:       make([]byte, r.NumberOfPixels()*int64(pixelSize)),
	}
}

// Len returns the number of bytes the buffer should hold.
func (b *Buffer) Len() int64 {
	return b.Region.NumberOfPixels() * int64(b.PixelSize)
}

// LineBytes returns the size in bytes of one axis-0 run.
func (b *Buffer) LineBytes() int64 {
	if b.Region.IsEmpty() {
		return 0
	}
	return b.Region.Size[0] * int64(b.PixelSize)
}

// Line returns the bytes of the i-th axis-0 run, see region.Region.LineRegion.
func (b *Buffer) Line(i int64) []byte {
	n := b.LineBytes()
	return b.Pix[i*n : (i+1)*n]
}

// Check verifies that the buffer covers want and holds the right number of bytes.
func (b *Buffer) Check(want region.Region) error {
	if !b.Region.Equal(want) {
		return fmt.Errorf("buffer covers %v, expected %v", b.Region, want)
	}
	if b.PixelSize <= 0 {
		return fmt.Errorf("buffer pixel size %d", b.PixelSize)
	}
	if int64(len(b.Pix)) != b.Len() {
		return fmt.Errorf("buffer holds %d bytes, expected %d", len(b.Pix), b.Len())
	}
	return nil
}

// FromImage copies the pixels of img inside r into a new buffer. The region
// is expressed in img's coordinate space.
func FromImage(img image.Image, r region.Region, pixelSize int) (*Buffer, error) {
	if r.Dimension() != 2 {
		return nil, fmt.Errorf("image buffers are 2-D, got %d axes", r.Dimension())
	}
	buf := NewBuffer(r, pixelSize)
	rect := r.ImageRect()
	switch pixelSize {
	case RGBA:
		dst := &image.RGBA{Pix: buf.Pix, Stride: rect.Dx() * 4, Rect: rect}
		draw.Draw(dst, rect, img, rect.Min, draw.Src)
	case Gray:
		dst := &image.Gray{Pix: buf.Pix, Stride: rect.Dx(), Rect: rect}
		draw.Draw(dst, rect, img, rect.Min, draw.Src)
	default:
		return nil, fmt.Errorf("unsupported pixel size %d", pixelSize)
	}
	return buf, nil
}

// Image wraps the buffer as an image without copying.
func (b *Buffer) Image() (image.Image, error) {
	if b.Region.Dimension() != 2 {
		return nil, fmt.Errorf("image buffers are 2-D, got %d axes", b.Region.Dimension())
	}
	rect := b.Region.ImageRect()
	switch b.PixelSize {
	case RGBA:
		return &image.RGBA{Pix: b.Pix, Stride: rect.Dx() * 4, Rect: rect}, nil
	case Gray:
		return &image.Gray{Pix: b.Pix, Stride: rect.Dx(), Rect: rect}, nil
	default:
		return nil, fmt.Errorf("unsupported pixel size %d", b.PixelSize)
	}
}
