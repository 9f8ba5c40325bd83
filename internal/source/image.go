package source

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Image serves regions of a decoded image. The decoded image stays in memory;
// only the per-region crops and buffers are streamed.
type Image struct {
	img  image.Image
	full region.Region
}

// OpenImage decodes the file at path, honouring EXIF orientation. When width
// or height is positive the image is resized first; a zero keeps the aspect
// ratio.
func OpenImage(path string, width, height int) (*Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	if width > 0 || height > 0 {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return NewImage(img), nil
}

// NewImage serves img. Its bounds are moved to the origin.
func NewImage(img image.Image) *Image {
	if img.Bounds().Min != (image.Point{}) {
		img = imaging.Clone(img)
	}
	return &Image{img: img, full: region.FromImageRect(img.Bounds())}
}

// Full returns the image's region.
func (i *Image) Full() region.Region {
	return i.full
}

// Produce implements streaming.Producer.
func (i *Image) Produce(_ context.Context, r region.Region) (*raster.Buffer, error) {
	if err := checkRequest(i.full, r); err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return raster.NewBuffer(r, raster.RGBA), nil
	}
	cropped := imaging.Crop(i.img, r.ImageRect())
	buf, err := raster.FromImage(cropped, region.FromImageRect(cropped.Bounds()), raster.RGBA)
	if err != nil {
		return nil, err
	}
	buf.Region = region.New(r.Index, r.Size)
	return buf, nil
}

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile: the crop and
// the output buffer.
func (i *Image) BytesPerPixelAcrossGraph() uint64 {
	return 2 * raster.RGBA
}
