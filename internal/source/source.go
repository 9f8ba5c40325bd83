// Package source provides the producers that materialise regions of a raster
// on demand: synthetic gradients, decoded image files, slippy-map tile mosaics
// and a Gaussian blur stage that wraps any of them.
package source

import (
	"fmt"

	"github.com/kiesman99/rasterstream/internal/streaming"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// Footprint is a fixed per-pixel memory estimate.
type Footprint uint64

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile.
func (f Footprint) BytesPerPixelAcrossGraph() uint64 {
	return uint64(f)
}

// Sum adds the footprints of the stages of a producer chain; every stage
// holds its buffers while the last one produces. Nil stages count as zero.
func Sum(stages ...streaming.MemoryProfile) Footprint {
	var total uint64
	for _, s := range stages {
		if s != nil {
			total += s.BytesPerPixelAcrossGraph()
		}
	}
	return Footprint(total)
}

// Profile returns p's footprint if it declares one.
func Profile(p streaming.Producer) streaming.MemoryProfile {
	if mp, ok := p.(streaming.MemoryProfile); ok {
		return mp
	}
	return nil
}

// checkRequest rejects regions a 2-D producer over full cannot serve.
func checkRequest(full, r region.Region) error {
	if r.Dimension() != 2 {
		return fmt.Errorf("%d-D region requested from a 2-D source", r.Dimension())
	}
	if !full.Contains(r) {
		return fmt.Errorf("region %v outside %v", r, full)
	}
	return nil
}
