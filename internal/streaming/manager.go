package streaming

import (
	"fmt"
	"math"
	"strings"

	"github.com/kiesman99/rasterstream/pkg/region"
)

// Mode selects a splitting strategy.
type Mode int

const (
	StrippedByCount Mode = iota
	StrippedByLines
	StrippedAuto
	TiledByCount
	TiledByEdge
	TiledAuto
)

var modeNames = []string{
	StrippedByCount: "stripped-by-count",
	StrippedByLines: "stripped-by-line-count",
	StrippedAuto:    "stripped-automatic",
	TiledByCount:    "tiled-by-count",
	TiledByEdge:     "tiled-by-dimension",
	TiledAuto:       "tiled-automatic",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Auto reports whether the mode derives its split from a memory budget.
func (m Mode) Auto() bool {
	return m == StrippedAuto || m == TiledAuto
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return Mode(m), nil
		}
	}
	return 0, configError("unknown splitting mode %q (want one of %s)", s, strings.Join(modeNames, ", "))
}

// Strategy is a splitting mode with its single numeric parameter: a split
// count, a line count, a tile edge length or a RAM budget in bytes.
type Strategy struct {
	Mode  Mode
	Value uint64
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s(%d)", s.Mode, s.Value)
}

// Manager divides a full region into an ordered sequence of disjoint splits
// that exactly cover it.
type Manager interface {
	// Configure records the full region and the producer graph's footprint.
	Configure(full region.Region, bytesPerPixel uint64) error
	// NumberOfSplits is at least 1 once configured.
	NumberOfSplits() int
	// Split returns split i, 0 <= i < NumberOfSplits(). It is a pure function
	// of i for a given configuration.
	Split(i int) region.Region
}

// Splitter implements Manager for every Mode.
type Splitter struct {
	strategy Strategy
	budget   uint64
	full     region.Region
	axes     []axisCut
	count    int
}

// NewManager validates the strategy. defaultBudget replaces a zero budget for
// the automatic modes.
func NewManager(s Strategy, defaultBudget uint64) (*Splitter, error) {
	if s.Mode < 0 || int(s.Mode) >= len(modeNames) {
		return nil, configError("unknown splitting mode %d", int(s.Mode))
	}
	budget := s.Value
	if s.Mode.Auto() {
		if budget == 0 {
			budget = defaultBudget
		}
		if budget == 0 {
			return nil, configError("%s needs a RAM budget", s.Mode)
		}
	} else if s.Value == 0 {
		return nil, configError("%s needs a positive parameter", s.Mode)
	}
	return &Splitter{strategy: s, budget: budget}, nil
}

// Strategy returns the strategy the splitter was built with.
func (s *Splitter) Strategy() Strategy {
	return s.strategy
}

// Budget returns the effective RAM budget of an automatic strategy.
func (s *Splitter) Budget() uint64 {
	return s.budget
}

// Configure computes the per-axis partition of full.
func (s *Splitter) Configure(full region.Region, bytesPerPixel uint64) error {
	if err := full.Validate(); err != nil {
		return configError("full region: %w", err)
	}
	if full.Dimension() == 0 {
		return configError("full region has no axes")
	}
	if s.strategy.Mode.Auto() && bytesPerPixel == 0 && !full.IsEmpty() {
		return configError("%s needs a positive bytes-per-pixel footprint", s.strategy.Mode)
	}

	axes := partition(s.strategy.Mode, s.param(), s.budget, full, bytesPerPixel)
	count := int64(1)
	for _, a := range axes {
		if count > math.MaxInt/a.n {
			return configError("%v split into too many regions", s.strategy)
		}
		count *= a.n
	}

	s.full = region.New(full.Index, full.Size)
	s.axes = axes
	s.count = int(count)
	return nil
}

func (s *Splitter) param() int64 {
	return int64(min(s.strategy.Value, math.MaxInt64))
}

// NumberOfSplits returns 0 before Configure.
func (s *Splitter) NumberOfSplits() int {
	return s.count
}

// Split decodes i with axis 0 fastest, so splits come in row-major order.
func (s *Splitter) Split(i int) region.Region {
	if i < 0 || i >= s.count {
		panic(fmt.Sprintf("streaming: split %d out of range [0,%d)", i, s.count))
	}
	out := region.New(s.full.Index, s.full.Size)
	k := int64(i)
	for axis, c := range s.axes {
		start, size := c.cell(k % c.n)
		k /= c.n
		out.Index[axis] += start
		out.Size[axis] = size
	}
	return out
}

// Plan configures m and returns every split in order.
func Plan(m Manager, full region.Region, bytesPerPixel uint64) ([]region.Region, error) {
	if err := m.Configure(full, bytesPerPixel); err != nil {
		return nil, err
	}
	out := make([]region.Region, m.NumberOfSplits())
	for i := range out {
		out[i] = m.Split(i)
	}
	return out, nil
}

func partition(mode Mode, param int64, budget uint64, full region.Region, bytesPerPixel uint64) []axisCut {
	dims := full.Dimension()
	last := dims - 1
	axes := make([]axisCut, dims)
	for i := range axes {
		axes[i] = byCount(full.Size[i], 1)
	}
	if full.IsEmpty() {
		return axes
	}

	switch mode {
	case StrippedByCount:
		axes[last] = byCount(full.Size[last], param)
	case StrippedByLines:
		axes[last] = byLength(full.Size[last], param)
	case StrippedAuto:
		size := ComputeRegionSize(full, bytesPerPixel, budget, Stripped)
		axes[last] = byCount(full.Size[last], ceilDiv(full.Size[last], size[last]))
	case TiledByCount:
		for i, n := range gridCounts(full.Size, min(param, full.NumberOfPixels())) {
			axes[i] = byCount(full.Size[i], n)
		}
	case TiledByEdge:
		for i := range axes {
			axes[i] = byLength(full.Size[i], param)
		}
	case TiledAuto:
		size := ComputeRegionSize(full, bytesPerPixel, budget, Tiled)
		for i := range axes {
			axes[i] = byCount(full.Size[i], ceilDiv(full.Size[i], size[i]))
		}
	}
	return axes
}

// axisCut partitions one axis of the full region into n cells. With length
// set every cell but the last is length long; otherwise the cells are
// near-equal and the first extent%n of them are one longer.
type axisCut struct {
	extent int64
	n      int64
	length int64
}

// byCount cuts extent into n near-equal cells. n is clamped to [1, extent].
func byCount(extent, n int64) axisCut {
	return axisCut{extent: extent, n: clamp(n, 1, max(extent, 1))}
}

// byLength cuts extent into cells of length l; the last cell takes the remainder.
func byLength(extent, l int64) axisCut {
	return axisCut{extent: extent, n: ceilDiv(extent, l), length: l}
}

// cell returns the offset and size of cell k relative to the axis origin.
func (c axisCut) cell(k int64) (start, size int64) {
	if c.length > 0 {
		start = k * c.length
		return start, min(c.length, c.extent-start)
	}
	base, rem := c.extent/c.n, c.extent%c.n
	if k < rem {
		return k * (base + 1), base + 1
	}
	return rem*(base+1) + (k-rem)*base, base
}

// maxGridAxes bounds the exhaustive rounding search in gridCounts.
const maxGridAxes = 16

// gridCounts picks a per-axis cell count for about n cells in total. It starts
// from the real-valued grid of square cells, where axes too short for one
// cell edge keep a single cell, and then rounds each count down or up. The
// rounding that minimises the cost wins: the log distance between the cell
// total and n plus the log of the worst cell aspect ratio, with ties going to
// the total closest to n. Counts never exceed the axis extent, and axes of
// extent 1 keep a single cell.
func gridCounts(size []int64, n int64) []int64 {
	counts := make([]int64, len(size))
	for i := range counts {
		counts[i] = 1
	}
	var active []int
	for i, s := range size {
		if s > 1 {
			active = append(active, i)
		}
	}
	if len(active) == 0 || n <= 1 {
		return counts
	}

	// Find the square cell edge, dropping axes shorter than it.
	var edge float64
	for {
		var logs float64
		for _, i := range active {
			logs += math.Log(float64(size[i]))
		}
		edge = math.Exp((logs - math.Log(float64(n))) / float64(len(active)))
		kept := active[:0:0]
		for _, i := range active {
			if float64(size[i]) >= edge {
				kept = append(kept, i)
			}
		}
		if len(kept) == len(active) || len(kept) == 0 {
			break
		}
		active = kept
	}

	lo := make([]int64, len(active))
	hi := make([]int64, len(active))
	for j, i := range active {
		ideal := float64(size[i]) / edge
		lo[j] = clamp(int64(math.Floor(ideal)), 1, size[i])
		hi[j] = clamp(int64(math.Ceil(ideal)), 1, size[i])
	}
	if len(active) > maxGridAxes {
		for j, i := range active {
			counts[i] = clamp(int64(math.Round(float64(size[i])/edge)), lo[j], hi[j])
		}
		return counts
	}

	const eps = 1e-9
	best := make([]int64, len(active))
	bestCost, bestDist := math.Inf(1), math.Inf(1)
	trial := make([]int64, len(active))
	for mask := 0; mask < 1<<len(active); mask++ {
		for j := range trial {
			trial[j] = lo[j]
			if mask&(1<<j) != 0 {
				trial[j] = hi[j]
			}
		}
		total, minEdge, maxEdge := 1.0, math.Inf(1), 0.0
		for j, i := range active {
			total *= float64(trial[j])
			e := float64(size[i]) / float64(trial[j])
			minEdge, maxEdge = math.Min(minEdge, e), math.Max(maxEdge, e)
		}
		dist := math.Abs(math.Log(total / float64(n)))
		cost := dist + math.Log(maxEdge/minEdge)
		if cost < bestCost-eps || (cost < bestCost+eps && dist < bestDist-eps) {
			bestCost, bestDist = cost, dist
			copy(best, trial)
		}
	}
	for j, i := range active {
		counts[i] = best[j]
	}
	return counts
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 1
	}
	return (a-1)/b + 1
}
