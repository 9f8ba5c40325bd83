package streaming

import (
	"math"
	"sort"

	"github.com/kiesman99/rasterstream/pkg/region"
)

// Policy tells ComputeRegionSize along which axes it may shrink the region.
type Policy struct {
	Tiled bool
	// TileEdge, when positive, is the preferred tile edge for the tiled policy.
	TileEdge int64
}

// Stripped shrinks only the slowest-varying axis.
var Stripped = Policy{}

// Tiled shrinks every axis towards a square (cubic) tile.
var Tiled = Policy{Tiled: true}

// ComputeRegionSize returns the size of a region of full whose pixels, at
// bytesPerPixel bytes each, fit in budget. Every axis is at least 1 even when
// a single pixel row or tile exceeds the budget.
func ComputeRegionSize(full region.Region, bytesPerPixel, budget uint64, policy Policy) []int64 {
	size := make([]int64, full.Dimension())
	if len(size) == 0 {
		return size
	}
	var pixels uint64
	if bytesPerPixel > 0 {
		pixels = budget / bytesPerPixel
	}
	if policy.Tiled {
		tiledSize(full, pixels, policy.TileEdge, size)
	} else {
		strippedSize(full, pixels, size)
	}
	return size
}

func strippedSize(full region.Region, pixels uint64, size []int64) {
	last := len(size) - 1
	row := uint64(1)
	for i := 0; i < last; i++ {
		size[i] = max(full.Size[i], 1)
		row *= uint64(size[i])
	}
	size[last] = clamp(int64(min(pixels/row, math.MaxInt64)), 1, full.Size[last])
}

func tiledSize(full region.Region, pixels uint64, edge int64, size []int64) {
	if edge > 0 {
		n := uint64(1)
		for i := range size {
			size[i] = clamp(edge, 1, full.Size[i])
			n *= uint64(size[i])
		}
		if n <= pixels {
			return
		}
	}

	axes := make([]int, len(size))
	for i := range axes {
		axes[i] = i
	}
	// Small axes first so the pixels they cannot use go to the larger ones.
	sort.SliceStable(axes, func(a, b int) bool {
		return full.Size[axes[a]] < full.Size[axes[b]]
	})

	remaining := pixels
	for k, axis := range axes {
		e := int64(min(iroot(remaining, len(axes)-k), math.MaxInt64))
		size[axis] = clamp(e, 1, full.Size[axis])
		remaining /= uint64(size[axis])
	}
}

// iroot returns floor(n^(1/k)).
func iroot(n uint64, k int) uint64 {
	if k <= 1 || n <= 1 {
		return n
	}
	r := uint64(math.Pow(float64(n), 1/float64(k)))
	for r > 0 && !powLE(r, k, n) {
		r--
	}
	for powLE(r+1, k, n) {
		r++
	}
	return r
}

// powLE reports whether r^k <= n without overflowing.
func powLE(r uint64, k int, n uint64) bool {
	p := uint64(1)
	for i := 0; i < k; i++ {
		if r != 0 && p > n/r {
			return false
		}
		p *= r
	}
	return p <= n
}

func clamp(v, lo, hi int64) int64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
