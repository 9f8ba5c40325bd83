package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// BoundingBox represents geographic bounds
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// ParseBoundingBox parses "minlat,minlon,maxlat,maxlon".
func ParseBoundingBox(s string) (BoundingBox, error) {
	var b BoundingBox
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, fmt.Errorf("bounding box %q: want minlat,minlon,maxlat,maxlon", s)
	}
	vals := []*float64{&b.MinLat, &b.MinLon, &b.MaxLat, &b.MaxLon}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return b, fmt.Errorf("bounding box %q: %w", s, err)
		}
		*vals[i] = v
	}
	return b, b.Validate()
}

// Validate checks that the box is non-inverted and inside the Web Mercator range.
func (b BoundingBox) Validate() error {
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("bounding box %v is empty or inverted", b)
	}
	if b.MinLat < -MaxLatitude || b.MaxLat > MaxLatitude {
		return fmt.Errorf("latitude outside ±%.4f", MaxLatitude)
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("longitude outside ±180")
	}
	return nil
}

// ImageData holds a decoded tile as non-premultiplied RGBA
type ImageData struct {
	Buf    []byte
	Width  int
	Height int
}

// Failure represents a single failed tile download
type Failure struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"` // 0 when no HTTP response was received
	Err        string `json:"error"`
}

// Error reports the tiles of one request that could not be fetched
type Error struct {
	Message   string
	Failures  []Failure
	Succeeded int
	Total     int
}

func (e *Error) Error() string {
	return e.Message
}

// StatusError is returned for non-200 tile responses
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}
