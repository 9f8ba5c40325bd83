package tile

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"github.com/kiesman99/rasterstream/pkg/region"
)

// MaxLatitude is the northern limit of the Web Mercator projection.
const MaxLatitude = 85.0511287798

// MaxZoom leaves 8 bits of sub-tile precision in the 32-bit tile space.
const MaxZoom = 24

// LatLonToTile converts lat/lon to tile coordinates at given zoom level
// http://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
func LatLonToTile(lat, lon float64, zoom int) (uint32, uint32) {
	latRad := lat * math.Pi / 180
	n := float64(uint64(1) << uint(zoom))

	x := clampTile(n*((lon+180)/360), n)
	y := clampTile(n*(1-(math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi))/2, n)

	return x, y
}

func clampTile(v, n float64) uint32 {
	if v < 0 || v != v {
		return 0
	}
	if v >= n {
		v = n - 1
	}
	return uint32(v)
}

// TileToLatLon converts tile coordinates to lat/lon
func TileToLatLon(x, y uint32, zoom int) (float64, float64) {
	n := float64(uint64(1) << uint(zoom))
	lon := 360.0*float64(x)/n - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2.0*float64(y)/n)))
	lat := latRad * 180 / math.Pi

	return lat, lon
}

// ProjectLatLon converts lat/lon in WGS84 to XY in Spherical Mercator (EPSG:900913/3857)
func ProjectLatLon(lat, lon float64) (float64, float64) {
	const originshift = 20037508.342789244 // 2 * pi * 6378137 / 2
	x := lon * originshift / 180.0
	y := math.Log(math.Tan((90+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * originshift / 180.0

	return x, y
}

// Grid maps the pixels of a mosaic onto the slippy-map tiles that cover it.
// Pixel (0,0) of the mosaic lies XA, YA pixels into tile (TX1, TY1).
type Grid struct {
	Zoom     int
	TileSize int
	TX1, TY1 uint32
	XA, YA   int64
	Width    int64
	Height   int64

	// Georeferencing in EPSG:3857
	MinX, MaxY             float64
	PixelSizeX, PixelSizeY float64
}

// NewGrid covers a bounding box at the given zoom.
func NewGrid(bbox BoundingBox, zoom, tileSize int) (Grid, error) {
	if err := bbox.Validate(); err != nil {
		return Grid{}, err
	}
	x1, y1 := LatLonToTile(bbox.MaxLat, bbox.MinLon, 32)
	x2, y2 := LatLonToTile(bbox.MinLat, bbox.MaxLon, 32)
	return newGrid(x1, y1, x2, y2, zoom, tileSize)
}

// NewCenteredGrid covers width x height pixels (at 256 pixels per tile)
// around a centre point.
func NewCenteredGrid(lat, lon float64, width, height, zoom, tileSize int) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("centered size %dx%d must be positive", width, height)
	}
	if err := checkZoom(zoom, tileSize); err != nil {
		return Grid{}, err
	}
	cx, cy := LatLonToTile(lat, lon, 32)
	shift := uint(32 - (zoom + 8))
	hw := (uint64(width) << shift) / 2
	hh := (uint64(height) << shift) / 2
	x1, x2 := sub32(cx, hw), add32(cx, hw)
	y1, y2 := sub32(cy, hh), add32(cy, hh)
	return newGrid(x1, y1, x2, y2, zoom, tileSize)
}

func checkZoom(zoom, tileSize int) error {
	if zoom < 0 || zoom > MaxZoom {
		return fmt.Errorf("zoom %d outside [0,%d]", zoom, MaxZoom)
	}
	if tileSize <= 0 {
		return fmt.Errorf("tile size %d must be positive", tileSize)
	}
	return nil
}

func newGrid(x1, y1, x2, y2 uint32, zoom, tileSize int) (Grid, error) {
	if err := checkZoom(zoom, tileSize); err != nil {
		return Grid{}, err
	}
	shift := uint(32 - zoom)
	sub := uint(32 - (zoom + 8))
	ts := uint64(tileSize)

	g := Grid{
		Zoom:     zoom,
		TileSize: tileSize,
		TX1:      x1 >> shift,
		TY1:      y1 >> shift,
		XA:       int64((uint64(x1>>sub) & 0xFF) * ts / 256),
		YA:       int64((uint64(y1>>sub) & 0xFF) * ts / 256),
		Width:    int64((uint64(x2>>sub) - uint64(x1>>sub)) * ts / 256),
		Height:   int64((uint64(y2>>sub) - uint64(y1>>sub)) * ts / 256),
	}

	maxLat, minLon := TileToLatLon(x1, y1, 32)
	minLat, maxLon := TileToLatLon(x2, y2, 32)
	minX, minY := ProjectLatLon(minLat, minLon)
	maxX, maxY := ProjectLatLon(maxLat, maxLon)
	g.MinX, g.MaxY = minX, maxY
	if g.Width > 0 && g.Height > 0 {
		g.PixelSizeX = (maxX - minX) / float64(g.Width)
		g.PixelSizeY = math.Abs(maxY-minY) / float64(g.Height)
	}
	return g, nil
}

func sub32(a uint32, b uint64) uint32 {
	if b > uint64(a) {
		return 0
	}
	return a - uint32(b)
}

func add32(a uint32, b uint64) uint32 {
	if uint64(a)+b > math.MaxUint32 {
		return math.MaxUint32
	}
	return a + uint32(b)
}

// Region returns the mosaic's pixel extent.
func (g Grid) Region() region.Region {
	return region.Rect(0, 0, g.Width, g.Height)
}

// Position is a tile and the mosaic pixel its top-left corner lands on.
type Position struct {
	X, Y   uint32
	Offset image.Point
}

// Covering returns the tiles intersecting r, row by row.
func (g Grid) Covering(r region.Region) []Position {
	if r.IsEmpty() {
		return nil
	}
	ts := int64(g.TileSize)
	c0, c1 := (r.Index[0]+g.XA)/ts, (r.End(0)-1+g.XA)/ts
	r0, r1 := (r.Index[1]+g.YA)/ts, (r.End(1)-1+g.YA)/ts

	out := make([]Position, 0, (c1-c0+1)*(r1-r0+1))
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			out = append(out, Position{
				X:      g.TX1 + uint32(col),
				Y:      g.TY1 + uint32(row),
				Offset: image.Pt(int(col*ts-g.XA), int(row*ts-g.YA)),
			})
		}
	}
	return out
}

// WorldFile returns the ESRI world file describing the mosaic.
func (g Grid) WorldFile() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", g.PixelSizeX)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", -g.PixelSizeY)
	fmt.Fprintf(&buf, "%24.10f\n", g.MinX)
	fmt.Fprintf(&buf, "%24.10f\n", g.MaxY)
	return buf.Bytes()
}

// WorldFileName derives the world file name from the image name.
func WorldFileName(imagePath string) string {
	ext := filepath.Ext(imagePath)
	var wext string
	switch strings.ToLower(ext) {
	case ".png":
		wext = ".pnw"
	case ".jpg", ".jpeg":
		wext = ".jgw"
	case ".tif", ".tiff":
		wext = ".tfw"
	default:
		wext = ".wld"
	}
	return strings.TrimSuffix(imagePath, ext) + wext
}
