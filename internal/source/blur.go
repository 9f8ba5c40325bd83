package source

import (
	"context"
	"fmt"
	"math"

	"github.com/anthonynsimon/bild/blur"

	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Blur applies a Gaussian blur to the output of an upstream producer. To
// produce a region it requests the region padded by the kernel radius,
// clipped to the full image, so the result matches blurring the whole image
// at once.
type Blur struct {
	Inner  streaming.Producer
	Full   region.Region
	Radius float64
}

// NewBlur wraps inner, whose full region is full.
func NewBlur(inner streaming.Producer, full region.Region, radius float64) (*Blur, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("blur radius %v must be positive", radius)
	}
	if full.Dimension() != 2 {
		return nil, fmt.Errorf("blur needs a 2-D region, got %d axes", full.Dimension())
	}
	return &Blur{Inner: inner, Full: full, Radius: radius}, nil
}

// Padding is how far the input region extends beyond the output region.
func (b *Blur) Padding() int64 {
	return int64(math.Ceil(b.Radius)) + 1
}

// Produce implements streaming.Producer.
func (b *Blur) Produce(ctx context.Context, r region.Region) (*raster.Buffer, error) {
	return b.ProduceWithProgress(ctx, r, nil)
}

// ProduceWithProgress implements streaming.ProgressProducer. Half of the
// work is attributed to the upstream producer.
func (b *Blur) ProduceWithProgress(ctx context.Context, r region.Region, progress func(float64)) (*raster.Buffer, error) {
	if err := checkRequest(b.Full, r); err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return raster.NewBuffer(r, raster.RGBA), nil
	}

	in := region.Intersect(r.Pad(b.Padding()), b.Full)
	src, err := b.Inner.Produce(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("blur input %v: %w", in, err)
	}
	if err := src.Check(in); err != nil {
		return nil, fmt.Errorf("blur input: %w", err)
	}
	if progress != nil {
		progress(0.5)
	}

	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	blurred := blur.Gaussian(img, b.Radius)

	// blurred may be re-based at the origin; address it relative to its bounds.
	origin := blurred.Bounds().Min
	buf := raster.NewBuffer(r, raster.RGBA)
	for line := int64(0); line < r.Lines(); line++ {
		x := origin.X + int(r.Index[0]-in.Index[0])
		y := origin.Y + int(r.Index[1]-in.Index[1]+line)
		off := blurred.PixOffset(x, y)
		copy(buf.Line(line), blurred.Pix[off:off+int(buf.LineBytes())])
	}
	if progress != nil {
		progress(1)
	}
	return buf, nil
}

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile: the upstream
// graph plus the blur's working copy and output.
func (b *Blur) BytesPerPixelAcrossGraph() uint64 {
	return uint64(Sum(Profile(b.Inner), Footprint(2*raster.RGBA)))
}
