package source

import (
	"context"
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Gradient is a synthetic RGBA test pattern: a diagonal blend in CIE-L*a*b*
// from From at the top-left corner to To at the bottom-right corner. Every
// pixel depends only on its own coordinates, so any region can be produced
// in isolation.
type Gradient struct {
	Full     region.Region
	From, To colorful.Color
}

// NewGradient creates a gradient over full between two hex colours.
func NewGradient(full region.Region, from, to string) (*Gradient, error) {
	if full.Dimension() != 2 {
		return nil, fmt.Errorf("gradient needs a 2-D region, got %d axes", full.Dimension())
	}
	c0, err := colorful.Hex(from)
	if err != nil {
		return nil, fmt.Errorf("gradient start colour: %w", err)
	}
	c1, err := colorful.Hex(to)
	if err != nil {
		return nil, fmt.Errorf("gradient end colour: %w", err)
	}
	return &Gradient{Full: full, From: c0, To: c1}, nil
}

// At returns the colour of pixel (x, y).
func (g *Gradient) At(x, y int64) [4]byte {
	span := float64(max(g.Full.Size[0]+g.Full.Size[1]-2, 1))
	t := float64(x-g.Full.Index[0]+y-g.Full.Index[1]) / span
	r, gr, b := g.From.BlendLab(g.To, t).Clamped().RGB255()
	return [4]byte{r, gr, b, 255}
}

// Produce implements streaming.Producer.
func (g *Gradient) Produce(_ context.Context, r region.Region) (*raster.Buffer, error) {
	if err := checkRequest(g.Full, r); err != nil {
		return nil, err
	}
	buf := raster.NewBuffer(r, raster.RGBA)
	for line := int64(0); line < r.Lines(); line++ {
		y := r.Index[1] + line
		out := buf.Line(line)
		for i := int64(0); i < r.Size[0]; i++ {
			px := g.At(r.Index[0]+i, y)
			copy(out[i*4:], px[:])
		}
	}
	return buf, nil
}

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile.
func (g *Gradient) BytesPerPixelAcrossGraph() uint64 {
	return raster.RGBA
}
