package source

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/region"
	"github.com/kiesman99/rasterstream/pkg/tile"
)

// Source kinds understood by Build.
const (
	KindGradient = "gradient"
	KindImage    = "image"
	KindTiles    = "tiles"
)

// Options selects and parameterises a producer chain.
type Options struct {
	Kind string

	// Width and Height size a gradient, resize an image, or span a centered
	// tile mosaic.
	Width, Height int

	// Gradient colours as hex strings.
	From, To string

	// Image file path.
	Image string

	// Tile mosaic: either BBox ("min-lat,min-lon,max-lat,max-lon") or a
	// center with Width and Height.
	BBox      string
	Lat, Lon  float64
	Zoom      int
	TileSize  int
	URLs      []string
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration

	// Blur wraps the source in a Gaussian blur of this radius when positive.
	Blur float64

	Logger *slog.Logger
}

// Built is a ready producer chain over Full.
type Built struct {
	Producer streaming.Producer
	Full     region.Region

	// Grid is set for tile mosaics; it georeferences the output.
	Grid *tile.Grid
}

// Build assembles the producer chain described by o.
func Build(o Options) (*Built, error) {
	var b Built
	switch o.Kind {
	case KindGradient, "":
		if o.Width <= 0 || o.Height <= 0 {
			return nil, fmt.Errorf("gradient needs a positive width and height, got %dx%d", o.Width, o.Height)
		}
		from, to := o.From, o.To
		if from == "" {
			from = "#1e3a8a"
		}
		if to == "" {
			to = "#fde047"
		}
		b.Full = region.Rect(0, 0, int64(o.Width), int64(o.Height))
		g, err := NewGradient(b.Full, from, to)
		if err != nil {
			return nil, err
		}
		b.Producer = g
	case KindImage:
		if o.Image == "" {
			return nil, fmt.Errorf("image source needs a file path")
		}
		img, err := OpenImage(o.Image, o.Width, o.Height)
		if err != nil {
			return nil, err
		}
		b.Full = img.Full()
		b.Producer = img
	case KindTiles:
		grid, err := buildGrid(o)
		if err != nil {
			return nil, err
		}
		m, err := NewMosaic(grid, o.URLs, tile.NewClient(o.UserAgent, o.Timeout, o.Headers))
		if err != nil {
			return nil, err
		}
		m.Logger = o.Logger
		b.Full = m.Full()
		b.Producer = m
		b.Grid = &grid
	default:
		return nil, fmt.Errorf("unknown source %q", o.Kind)
	}

	if o.Blur > 0 {
		blur, err := NewBlur(b.Producer, b.Full, o.Blur)
		if err != nil {
			return nil, err
		}
		b.Producer = blur
	}
	return &b, nil
}

func buildGrid(o Options) (tile.Grid, error) {
	tileSize := o.TileSize
	if tileSize == 0 {
		tileSize = 256
	}
	if o.BBox != "" {
		bbox, err := tile.ParseBoundingBox(o.BBox)
		if err != nil {
			return tile.Grid{}, err
		}
		return tile.NewGrid(bbox, o.Zoom, tileSize)
	}
	if o.Width <= 0 || o.Height <= 0 {
		return tile.Grid{}, fmt.Errorf("tile source needs a bounding box or a center with width and height")
	}
	return tile.NewCenteredGrid(o.Lat, o.Lon, o.Width, o.Height, o.Zoom, tileSize)
}
