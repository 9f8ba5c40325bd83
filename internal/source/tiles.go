package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
	"github.com/kiesman99/rasterstream/pkg/tile"
)

// DefaultConcurrency bounds the tile downloads of one region.
const DefaultConcurrency = 8

// Mosaic produces regions of a slippy-map mosaic, downloading only the tiles
// that intersect the requested region. Each tile position tries the URL
// templates in order until one succeeds.
type Mosaic struct {
	Grid        tile.Grid
	URLs        []string
	Client      *tile.Client
	Concurrency int
	Logger      *slog.Logger
}

// NewMosaic creates a mosaic producer over grid.
func NewMosaic(grid tile.Grid, urls []string, client *tile.Client) (*Mosaic, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no tile URL templates")
	}
	if client == nil {
		client = tile.NewClient("", 0, nil)
	}
	return &Mosaic{
		Grid:        grid,
		URLs:        urls,
		Client:      client,
		Concurrency: DefaultConcurrency,
	}, nil
}

func (m *Mosaic) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m.Logger
}

// Full returns the mosaic's pixel extent.
func (m *Mosaic) Full() region.Region {
	return m.Grid.Region()
}

// Produce implements streaming.Producer.
func (m *Mosaic) Produce(ctx context.Context, r region.Region) (*raster.Buffer, error) {
	return m.ProduceWithProgress(ctx, r, nil)
}

// ProduceWithProgress implements streaming.ProgressProducer, reporting the
// fraction of tiles processed.
func (m *Mosaic) ProduceWithProgress(ctx context.Context, r region.Region, progress func(float64)) (*raster.Buffer, error) {
	if err := checkRequest(m.Full(), r); err != nil {
		return nil, err
	}
	buf := raster.NewBuffer(r, raster.RGBA)
	positions := m.Grid.Covering(r)
	if len(positions) == 0 {
		return buf, nil
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		failures  []tile.Failure
		succeeded int
		done      int
	)
	sem := make(chan struct{}, max(m.Concurrency, 1))

	for _, pos := range positions {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(pos tile.Position) {
			defer wg.Done()
			defer func() { <-sem }()

			img, failed := m.fetch(ctx, pos)
			if img != nil {
				// Tiles never overlap, so each goroutine writes disjoint pixels.
				m.blend(buf, img, pos)
			}

			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, failed...)
			if img != nil {
				succeeded++
			}
			done++
			if progress != nil {
				progress(float64(done) / float64(len(positions)))
			}
		}(pos)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	total := len(positions)
	if succeeded == 0 {
		return nil, &tile.Error{
			Message:   "no tiles could be downloaded successfully",
			Failures:  failures,
			Succeeded: succeeded,
			Total:     total,
		}
	}
	if missing := total - succeeded; missing > total/2 {
		return nil, &tile.Error{
			Message:   fmt.Sprintf("too many tile download failures: %d/%d failed", missing, total),
			Failures:  failures,
			Succeeded: succeeded,
			Total:     total,
		}
	}
	if len(failures) > 0 {
		m.logger().Warn("tiles missing from region", "region", r.String(), "failed", total-succeeded, "total", total)
	}
	return buf, nil
}

// fetch tries every URL template for pos and returns the first tile that
// downloads and decodes, with the failures seen on the way.
func (m *Mosaic) fetch(ctx context.Context, pos tile.Position) (*tile.ImageData, []tile.Failure) {
	var failures []tile.Failure
	for _, template := range m.URLs {
		url := tile.BuildURL(template, m.Grid.Zoom, pos.X, pos.Y)
		if ctx.Err() != nil {
			return nil, failures
		}
		img, err := m.Client.Fetch(ctx, url, m.Grid.TileSize)
		if err != nil {
			f := tile.Failure{URL: url, Err: err.Error()}
			var se *tile.StatusError
			if errors.As(err, &se) {
				f.StatusCode = se.Code
			}
			failures = append(failures, f)
			m.logger().Debug("tile fetch failed", "url", url, "err", err)
			continue
		}
		return img, failures
	}
	return nil, failures
}

// blend composites the part of img that falls inside buf.
func (m *Mosaic) blend(buf *raster.Buffer, img *tile.ImageData, pos tile.Position) {
	r := buf.Region
	x0 := max(int64(pos.Offset.X), r.Index[0])
	x1 := min(int64(pos.Offset.X+img.Width), r.End(0))
	y0 := max(int64(pos.Offset.Y), r.Index[1])
	y1 := min(int64(pos.Offset.Y+img.Height), r.End(1))

	for y := y0; y < y1; y++ {
		dstRow := buf.Line(y - r.Index[1])
		srcRow := img.Buf[(y-int64(pos.Offset.Y))*int64(img.Width)*4:]
		for x := x0; x < x1; x++ {
			s := srcRow[(x-int64(pos.Offset.X))*4:]
			d := dstRow[(x-r.Index[0])*4:]
			out := tile.AlphaBlend([4]byte{s[0], s[1], s[2], s[3]}, [4]byte{d[0], d[1], d[2], d[3]})
			copy(d[:4], out[:])
		}
	}
}

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile: the output
// buffer and the decoded tiles covering it.
func (m *Mosaic) BytesPerPixelAcrossGraph() uint64 {
	return 2 * raster.RGBA
}
