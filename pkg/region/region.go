// Package region describes axis-aligned integer boxes over a raster's index space.
//
// Axis 0 is the fastest varying axis (columns), the last axis is the slowest
// varying one (rows for a 2-D image). A Region is a value: every operation in
// this package returns fresh slices and never modifies its arguments.
package region

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
)

// ErrInvalid is returned by Validate for malformed regions.
var ErrInvalid = errors.New("invalid region")

// Region is an n-dimensional box given by its start index and size per axis.
type Region struct {
	Index []int64
	Size  []int64
}

// New returns a region with copies of index and size.
func New(index, size []int64) Region {
	return Region{Index: clone(index), Size: clone(size)}
}

// Rect returns the 2-D region starting at (x, y) with the given width and height.
func Rect(x, y, width, height int64) Region {
	return Region{Index: []int64{x, y}, Size: []int64{width, height}}
}

// FromImageRect converts an image.Rectangle to a 2-D region.
func FromImageRect(r image.Rectangle) Region {
	r = r.Canon()
	return Rect(int64(r.Min.X), int64(r.Min.Y), int64(r.Dx()), int64(r.Dy()))
}

// Dimension returns the number of axes.
func (r Region) Dimension() int {
	return len(r.Size)
}

// Validate reports whether the region is well formed.
func (r Region) Validate() error {
	if len(r.Index) != len(r.Size) {
		return fmt.Errorf("%w: index has %d axes, size has %d", ErrInvalid, len(r.Index), len(r.Size))
	}
	for i, s := range r.Size {
		if s < 0 {
			return fmt.Errorf("%w: negative size %d on axis %d", ErrInvalid, s, i)
		}
		if r.Index[i] > 0 && s > math.MaxInt64-r.Index[i] {
			return fmt.Errorf("%w: index %d + size %d overflows on axis %d", ErrInvalid, r.Index[i], s, i)
		}
	}
	return nil
}

// IsEmpty reports whether any axis has size zero.
func (r Region) IsEmpty() bool {
	if len(r.Size) == 0 {
		return true
	}
	for _, s := range r.Size {
		if s == 0 {
			return true
		}
	}
	return false
}

// NumberOfPixels returns the product of the sizes.
func (r Region) NumberOfPixels() int64 {
	if len(r.Size) == 0 {
		return 0
	}
	n := int64(1)
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// End returns the exclusive upper bound on axis i.
func (r Region) End(i int) int64 {
	return r.Index[i] + r.Size[i]
}

// Equal reports whether both regions describe the same box.
func (r Region) Equal(o Region) bool {
	if len(r.Size) != len(o.Size) || len(r.Index) != len(o.Index) {
		return false
	}
	for i := range r.Size {
		if r.Index[i] != o.Index[i] || r.Size[i] != o.Size[i] {
			return false
		}
	}
	return true
}

// Contains reports whether o lies entirely inside r. An empty o of the same
// dimension is contained when its origin lies within r's closed bounds.
func (r Region) Contains(o Region) bool {
	if len(r.Size) != len(o.Size) {
		return false
	}
	for i := range r.Size {
		if o.Index[i] < r.Index[i] || o.End(i) > r.End(i) {
			return false
		}
	}
	return true
}

// Intersect returns the largest region contained in both a and b. Disjoint
// regions yield a region whose size is zero on every axis where they do not
// overlap.
func Intersect(a, b Region) Region {
	if len(a.Size) != len(b.Size) {
		return Region{}
	}
	out := Region{Index: make([]int64, len(a.Size)), Size: make([]int64, len(a.Size))}
	for i := range a.Size {
		lo := max(a.Index[i], b.Index[i])
		hi := min(a.End(i), b.End(i))
		out.Index[i] = lo
		if hi > lo {
			out.Size[i] = hi - lo
		}
	}
	return out
}

// Pad grows the region by radius on both sides of every axis. Callers usually
// intersect the result with the full image region.
func (r Region) Pad(radius int64) Region {
	out := New(r.Index, r.Size)
	for i := range out.Size {
		out.Index[i] -= radius
		out.Size[i] += 2 * radius
		if out.Size[i] < 0 {
			out.Size[i] = 0
		}
	}
	return out
}

// Lines returns how many contiguous axis-0 runs make up the region.
func (r Region) Lines() int64 {
	if r.IsEmpty() {
		return 0
	}
	return r.NumberOfPixels() / r.Size[0]
}

// LineRegion returns the i-th axis-0 run of the region as a region of height
// one on every other axis. Lines are numbered with axis 1 fastest.
func (r Region) LineRegion(i int64) Region {
	out := New(r.Index, r.Size)
	for axis := 1; axis < len(r.Size); axis++ {
		out.Index[axis] = r.Index[axis] + i%r.Size[axis]
		out.Size[axis] = 1
		i /= r.Size[axis]
	}
	return out
}

// LinearOffset returns the element offset of r's origin inside full's linear
// layout, axis 0 fastest. It panics when r is not inside full.
func LinearOffset(full, r Region) int64 {
	if !full.Contains(r) {
		panic(fmt.Sprintf("region: %v is not inside %v", r, full))
	}
	var offset int64
	stride := int64(1)
	for i := range full.Size {
		offset += (r.Index[i] - full.Index[i]) * stride
		stride *= full.Size[i]
	}
	return offset
}

// ImageRect converts a 2-D region to an image.Rectangle.
func (r Region) ImageRect() image.Rectangle {
	if len(r.Size) != 2 {
		panic(fmt.Sprintf("region: ImageRect on %d-D region", len(r.Size)))
	}
	return image.Rect(int(r.Index[0]), int(r.Index[1]), int(r.End(0)), int(r.End(1)))
}

func (r Region) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i := range r.Size {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d+%d", r.Index[i], r.Size[i])
	}
	b.WriteString("]")
	return b.String()
}

func clone(s []int64) []int64 {
	if s == nil {
		return nil
	}
	out := make([]int64, len(s))
	copy(out, s)
	return out
}
