package streaming

import (
	"runtime"
	"testing"

	"github.com/kiesman99/rasterstream/internal/testutil"
	"github.com/kiesman99/rasterstream/pkg/region"
)

func plan(t *testing.T, s Strategy, full region.Region, bytesPerPixel uint64) []region.Region {
	t.Helper()
	m, err := NewManager(s, DefaultBudget)
	testutil.AssertNoError(t, err)
	splits, err := Plan(m, full, bytesPerPixel)
	testutil.AssertNoError(t, err)
	return splits
}

// assertExactCover checks that splits lie inside full, do not overlap and
// together hold exactly full's pixels.
func assertExactCover(t *testing.T, full region.Region, splits []region.Region) {
	t.Helper()
	if len(splits) == 0 {
		t.Fatal("no splits")
	}
	if full.IsEmpty() {
		if len(splits) != 1 || !splits[0].IsEmpty() {
			t.Fatalf("empty region: got %v, want one empty split", splits)
		}
		return
	}
	var total int64
	for i, s := range splits {
		if s.IsEmpty() {
			t.Fatalf("split %d is empty: %v", i, s)
		}
		if !full.Contains(s) {
			t.Fatalf("split %d %v not inside %v", i, s, full)
		}
		for j := 0; j < i; j++ {
			if !region.Intersect(s, splits[j]).IsEmpty() {
				t.Fatalf("splits %d %v and %d %v overlap", j, splits[j], i, s)
			}
		}
		total += s.NumberOfPixels()
	}
	if total != full.NumberOfPixels() {
		t.Fatalf("splits hold %d pixels, want %d", total, full.NumberOfPixels())
	}
}

func TestExactCoverage(t *testing.T) {
	strategies := []Strategy{
		{StrippedByCount, 1},
		{StrippedByCount, 4},
		{StrippedByCount, 7},
		{StrippedByCount, 5000},
		{StrippedByLines, 1},
		{StrippedByLines, 10},
		{StrippedByLines, 1 << 40},
		{StrippedAuto, 4 * 1024},
		{StrippedAuto, 1},
		{TiledByCount, 1},
		{TiledByCount, 4},
		{TiledByCount, 6},
		{TiledByCount, 7},
		{TiledByCount, 1000},
		{TiledByEdge, 1},
		{TiledByEdge, 16},
		{TiledByEdge, 512},
		{TiledAuto, 4 * 1024},
		{TiledAuto, 1},
	}
	fulls := []region.Region{
		region.Rect(0, 0, 0, 10),
		region.Rect(0, 0, 10, 0),
		region.Rect(0, 0, 1, 1),
		region.Rect(5, -3, 1, 17),
		region.Rect(0, 0, 37, 23),
		region.Rect(10, 20, 100, 3),
		region.New([]int64{0}, []int64{50}),
		region.New([]int64{0, 0, 0}, []int64{9, 7, 5}),
	}

	for _, s := range strategies {
		for _, full := range fulls {
			t.Run(s.String()+full.String(), func(t *testing.T) {
				splits := plan(t, s, full, 4)
				assertExactCover(t, full, splits)
			})
		}
	}
}

func TestDeterministicSplits(t *testing.T) {
	full := region.Rect(0, 0, 333, 211)
	for _, s := range []Strategy{{StrippedByCount, 9}, {TiledByCount, 12}, {TiledAuto, 10000}} {
		m, err := NewManager(s, DefaultBudget)
		testutil.AssertNoError(t, err)
		testutil.AssertNoError(t, m.Configure(full, 3))
		for i := 0; i < m.NumberOfSplits(); i++ {
			a, b := m.Split(i), m.Split(i)
			if !a.Equal(b) {
				t.Fatalf("%v split %d: %v then %v", s, i, a, b)
			}
		}

		// Configuring again with the same inputs yields the same sequence.
		first := m.Split(m.NumberOfSplits() - 1)
		testutil.AssertNoError(t, m.Configure(full, 3))
		if !first.Equal(m.Split(m.NumberOfSplits() - 1)) {
			t.Fatalf("%v: reconfigure changed the last split", s)
		}
	}
}

func TestStrippedByCount_EvenBands(t *testing.T) {
	splits := plan(t, Strategy{StrippedByCount, 4}, region.Rect(0, 0, 1000, 1000), 1)

	testutil.AssertEqual(t, len(splits), 4)
	for i, s := range splits {
		want := region.Rect(0, int64(i)*250, 1000, 250)
		if !s.Equal(want) {
			t.Errorf("split %d: got %v, want %v", i, s, want)
		}
	}
}

func TestStrippedByCount_RemainderToFirstBands(t *testing.T) {
	// 1003 rows of 1000 pixels.
	splits := plan(t, Strategy{StrippedByCount, 4}, region.Rect(0, 0, 1000, 1003), 1)

	wantRows := []int64{251, 251, 251, 250}
	wantStart := []int64{0, 251, 502, 753}
	testutil.AssertEqual(t, len(splits), 4)
	for i, s := range splits {
		testutil.AssertEqual(t, s.Size[1], wantRows[i])
		testutil.AssertEqual(t, s.Index[1], wantStart[i])
		testutil.AssertEqual(t, s.Size[0], int64(1000))
	}
}

func TestStrippedByCount_ClampsToRows(t *testing.T) {
	splits := plan(t, Strategy{StrippedByCount, 50}, region.Rect(0, 0, 8, 5), 1)

	testutil.AssertEqual(t, len(splits), 5)
	for _, s := range splits {
		testutil.AssertEqual(t, s.Size[1], int64(1))
	}
}

func TestStrippedByLines(t *testing.T) {
	tests := []struct {
		name  string
		rows  int64
		lines uint64
		want  []int64
	}{
		{"remainder", 25, 10, []int64{10, 10, 5}},
		{"divides evenly", 30, 10, []int64{10, 10, 10}},
		{"larger than image", 7, 10, []int64{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splits := plan(t, Strategy{StrippedByLines, tt.lines}, region.Rect(0, 0, 4, tt.rows), 1)
			testutil.AssertEqual(t, len(splits), len(tt.want))
			for i, s := range splits {
				testutil.AssertEqual(t, s.Size[1], tt.want[i])
			}
		})
	}
}

func TestTiledByEdge_Grid(t *testing.T) {
	splits := plan(t, Strategy{TiledByEdge, 512}, region.Rect(0, 0, 1000, 1000), 1)

	want := []region.Region{
		region.Rect(0, 0, 512, 512),
		region.Rect(512, 0, 488, 512),
		region.Rect(0, 512, 512, 488),
		region.Rect(512, 512, 488, 488),
	}
	testutil.AssertEqual(t, len(splits), len(want))
	for i := range want {
		if !splits[i].Equal(want[i]) {
			t.Errorf("split %d: got %v, want %v", i, splits[i], want[i])
		}
	}
}

func TestTiledByCount_NearSquareGrid(t *testing.T) {
	tests := []struct {
		name  string
		full  region.Region
		n     uint64
		count int
		tile  []int64
	}{
		{"four on square", region.Rect(0, 0, 1000, 1000), 4, 4, []int64{500, 500}},
		{"sixteen on square", region.Rect(0, 0, 1000, 1000), 16, 16, []int64{250, 250}},
		{"wide image", region.Rect(0, 0, 4000, 1000), 4, 4, []int64{1000, 1000}},
		{"tall image", region.Rect(0, 0, 1000, 4000), 4, 4, []int64{1000, 1000}},
		{"one", region.Rect(0, 0, 10, 10), 1, 1, []int64{10, 10}},
		{"prime on square", region.Rect(0, 0, 1000, 1000), 7, 9, []int64{334, 334}},
		{"prime on wide image", region.Rect(0, 0, 7000, 1000), 7, 7, []int64{1000, 1000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splits := plan(t, Strategy{TiledByCount, tt.n}, tt.full, 1)
			testutil.AssertEqual(t, len(splits), tt.count)
			testutil.AssertEqual(t, splits[0].Size[0], tt.tile[0])
			testutil.AssertEqual(t, splits[0].Size[1], tt.tile[1])
		})
	}
}

func TestTiledByCount_ClampsToPixels(t *testing.T) {
	splits := plan(t, Strategy{TiledByCount, 100}, region.Rect(0, 0, 3, 2), 1)
	assertExactCover(t, region.Rect(0, 0, 3, 2), splits)
	if len(splits) > 6 {
		t.Fatalf("got %d splits for 6 pixels", len(splits))
	}
}

func TestStrippedAuto_BudgetRows(t *testing.T) {
	const width, bpp = 1000, 12
	full := region.Rect(0, 0, width, 1000)
	splits := plan(t, Strategy{StrippedAuto, bpp * 100 * width}, full, bpp)

	testutil.AssertEqual(t, len(splits), 10)
	for _, s := range splits {
		testutil.AssertEqual(t, s.Size[1], int64(100))
	}

	// With a remainder the bands stay within 100 rows.
	full = region.Rect(0, 0, width, 1003)
	splits = plan(t, Strategy{StrippedAuto, bpp * 100 * width}, full, bpp)
	testutil.AssertEqual(t, len(splits), 11)
	for _, s := range splits {
		if s.Size[1] > 100 {
			t.Fatalf("band of %d rows exceeds budget", s.Size[1])
		}
	}
	assertExactCover(t, full, splits)
}

func TestAutoBudgetRespected(t *testing.T) {
	fulls := []region.Region{
		region.Rect(0, 0, 640, 480),
		region.Rect(0, 0, 7, 1999),
		region.New([]int64{0, 0, 0}, []int64{64, 64, 64}),
	}
	for _, mode := range []Mode{StrippedAuto, TiledAuto} {
		for _, full := range fulls {
			for _, budget := range []uint64{1 << 12, 1 << 16, 1 << 20} {
				const bpp = 8
				splits := plan(t, Strategy{mode, budget}, full, bpp)
				assertExactCover(t, full, splits)
				for _, s := range splits {
					// A single stripped row may exceed the budget on its own.
					if mode == StrippedAuto && s.Size[s.Dimension()-1] == 1 {
						continue
					}
					if uint64(s.NumberOfPixels())*bpp > budget {
						t.Fatalf("%v on %v: split %v needs %d bytes, budget %d",
							mode, full, s, uint64(s.NumberOfPixels())*bpp, budget)
					}
				}
			}
		}
	}
}

func TestAutoDegenerateBudget(t *testing.T) {
	// A single row needs 4000 bytes, the budget is 10.
	splits := plan(t, Strategy{StrippedAuto, 10}, region.Rect(0, 0, 1000, 3), 4)
	testutil.AssertEqual(t, len(splits), 3)
	for _, s := range splits {
		testutil.AssertEqual(t, s.Size[1], int64(1))
	}

	splits = plan(t, Strategy{TiledAuto, 1}, region.Rect(0, 0, 3, 2), 4)
	testutil.AssertEqual(t, len(splits), 6)
}

func TestAutoDefaultBudget(t *testing.T) {
	m, err := NewManager(Strategy{Mode: TiledAuto}, 1234)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, m.Budget(), uint64(1234))
}

func TestEmptyFullRegion(t *testing.T) {
	for mode := StrippedByCount; mode <= TiledAuto; mode++ {
		m, err := NewManager(Strategy{mode, 3}, DefaultBudget)
		testutil.AssertNoError(t, err)
		testutil.AssertNoError(t, m.Configure(region.Rect(0, 0, 100, 0), 4))
		testutil.AssertEqual(t, m.NumberOfSplits(), 1)
		testutil.AssertEqual(t, m.Split(0).IsEmpty(), true)
	}
}

func TestEmptyFullRegionWithoutFootprint(t *testing.T) {
	for _, mode := range []Mode{StrippedAuto, TiledAuto} {
		m, err := NewManager(Strategy{Mode: mode}, DefaultBudget)
		testutil.AssertNoError(t, err)
		testutil.AssertNoError(t, m.Configure(region.Rect(0, 0, 0, 10), 0))
		testutil.AssertEqual(t, m.NumberOfSplits(), 1)
		testutil.AssertEqual(t, m.Split(0).IsEmpty(), true)
	}
}

func TestHugeExtentSplitsLazily(t *testing.T) {
	m, err := NewManager(Strategy{TiledByEdge, 1}, 0)
	testutil.AssertNoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	testutil.AssertNoError(t, m.Configure(region.Rect(0, 0, 50_000_000, 1), 4))
	runtime.ReadMemStats(&after)

	testutil.AssertEqual(t, m.NumberOfSplits(), 50_000_000)
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
		t.Fatalf("configure allocated %d bytes", grown)
	}
	if got, want := m.Split(25_000_000), region.Rect(25_000_000, 0, 1, 1); !got.Equal(want) {
		t.Fatalf("split 25000000 = %v, want %v", got, want)
	}

	// Near-equal cells over an extent no slice could hold.
	m, err = NewManager(Strategy{StrippedByCount, 1 << 40}, 0)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, m.Configure(region.New([]int64{0, 0}, []int64{1, 3<<40 + 5}), 4))
	testutil.AssertEqual(t, m.NumberOfSplits(), 1<<40)
	testutil.AssertEqual(t, m.Split(0).Size[1], int64(4))
	testutil.AssertEqual(t, m.Split(5).Index[1], int64(20))
	last := m.Split(1<<40 - 1)
	testutil.AssertEqual(t, last.Size[1], int64(3))
	testutil.AssertEqual(t, last.Index[1]+last.Size[1], int64(3<<40+5))
}

func TestConfigurationErrors(t *testing.T) {
	for _, s := range []Strategy{
		{StrippedByCount, 0},
		{StrippedByLines, 0},
		{TiledByCount, 0},
		{TiledByEdge, 0},
		{Mode(42), 1},
	} {
		_, err := NewManager(s, DefaultBudget)
		testutil.AssertErrorIs(t, err, ErrConfiguration)
	}

	_, err := NewManager(Strategy{Mode: StrippedAuto}, 0)
	testutil.AssertErrorIs(t, err, ErrConfiguration)

	m, err := NewManager(Strategy{StrippedByCount, 2}, 0)
	testutil.AssertNoError(t, err)
	err = m.Configure(region.Rect(0, 0, -1, 10), 1)
	testutil.AssertErrorIs(t, err, ErrConfiguration)

	auto, err := NewManager(Strategy{Mode: TiledAuto}, DefaultBudget)
	testutil.AssertNoError(t, err)
	err = auto.Configure(region.Rect(0, 0, 10, 10), 0)
	testutil.AssertErrorIs(t, err, ErrConfiguration)
}

func TestParseMode(t *testing.T) {
	for mode := StrippedByCount; mode <= TiledAuto; mode++ {
		got, err := ParseMode(mode.String())
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, got, mode)
	}
	_, err := ParseMode("diagonal")
	testutil.AssertErrorIs(t, err, ErrConfiguration)
}

func TestGridCounts(t *testing.T) {
	tests := []struct {
		size []int64
		n    int64
		want []int64
	}{
		{[]int64{1000, 1000}, 4, []int64{2, 2}},
		{[]int64{1000, 1000}, 6, []int64{3, 2}},
		{[]int64{1000, 1}, 4, []int64{4, 1}},
		{[]int64{5, 5}, 7, []int64{3, 3}},
		{[]int64{1000, 1000}, 7, []int64{3, 3}},
		{[]int64{64, 48}, 6, []int64{3, 2}},
		{[]int64{1000, 3}, 100, []int64{100, 1}},
		{[]int64{1, 1000}, 5, []int64{1, 5}},
		{[]int64{8, 8, 8}, 8, []int64{2, 2, 2}},
	}
	for _, tt := range tests {
		got := gridCounts(tt.size, tt.n)
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("gridCounts(%v, %d) = %v, want %v", tt.size, tt.n, got, tt.want)
				break
			}
		}
	}
}
