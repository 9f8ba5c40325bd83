package storage

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Image assembles a 2-D image in memory and encodes it on Finalize. Only the
// producer side is streamed; the assembled image holds the full raster.
type Image struct {
	w         io.Writer
	format    imaging.Format
	pixelSize int
	full      region.Region
	img       *raster.Buffer
}

// NewImage encodes to w in format. pixelSize is raster.RGBA or raster.Gray.
func NewImage(w io.Writer, format imaging.Format, pixelSize int) *Image {
	return &Image{w: w, format: format, pixelSize: pixelSize}
}

// FormatFromFilename picks the encoding from the output file's extension.
func FormatFromFilename(name string) (imaging.Format, error) {
	f, err := imaging.FormatFromFilename(name)
	if err != nil {
		return 0, fmt.Errorf("output %q: %w", name, err)
	}
	return f, nil
}

// Prepare implements streaming.Preparer.
func (s *Image) Prepare(_ context.Context, full region.Region) error {
	if full.Dimension() != 2 {
		return fmt.Errorf("image output needs a 2-D region, got %d axes", full.Dimension())
	}
	if s.pixelSize != raster.RGBA && s.pixelSize != raster.Gray {
		return fmt.Errorf("unsupported pixel size %d", s.pixelSize)
	}
	s.full = region.New(full.Index, full.Size)
	s.img = raster.NewBuffer(full, s.pixelSize)
	return nil
}

// Commit implements streaming.Committer.
func (s *Image) Commit(_ context.Context, r region.Region, buf *raster.Buffer) error {
	if err := checkCommit(s.full, s.pixelSize, r, buf); err != nil {
		return err
	}
	for line := int64(0); line < r.Lines(); line++ {
		off := region.LinearOffset(s.full, r.LineRegion(line)) * int64(s.pixelSize)
		copy(s.img.Pix[off:], buf.Line(line))
	}
	return nil
}

// Finalize implements streaming.Finalizer.
func (s *Image) Finalize(context.Context) error {
	if s.img == nil {
		return ErrNotPrepared
	}
	img, err := s.img.Image()
	if err != nil {
		return err
	}
	if err := imaging.Encode(s.w, img, s.format); err != nil {
		return fmt.Errorf("failed to encode output image: %w", err)
	}
	return nil
}

// Result returns the assembled image.
func (s *Image) Result() (image.Image, error) {
	if s.img == nil {
		return nil, ErrNotPrepared
	}
	return s.img.Image()
}
