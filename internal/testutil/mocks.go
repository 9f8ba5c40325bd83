package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// ErrSimulated is returned by the mocks when told to fail.
var ErrSimulated = errors.New("simulated error")

// PixelValue is the byte MockProducer writes for pixel p of the full image,
// where p is the pixel's linear index. Every byte of the pixel gets the value.
func PixelValue(p int64) byte {
	return byte(p*31 + 7)
}

// MockProducer fills each requested region with PixelValue of the full
// image's linear layout and records the requests.
type MockProducer struct {
	Full      region.Region
	PixelSize int
	// FailOnNth makes the nth Produce call (1-based) fail.
	FailOnNth int
	// Footprint is returned by BytesPerPixelAcrossGraph.
	Footprint uint64

	mu       sync.Mutex
	requests []region.Region
}

// NewMockProducer creates a producer for full with the given pixel size.
func NewMockProducer(full region.Region, pixelSize int) *MockProducer {
	return &MockProducer{Full: full, PixelSize: pixelSize, Footprint: uint64(pixelSize)}
}

// Produce implements streaming.Producer.
func (m *MockProducer) Produce(_ context.Context, r region.Region) (*raster.Buffer, error) {
	m.mu.Lock()
	m.requests = append(m.requests, r)
	n := len(m.requests)
	m.mu.Unlock()

	if m.FailOnNth > 0 && n == m.FailOnNth {
		return nil, ErrSimulated
	}
	if !m.Full.Contains(r) {
		return nil, fmt.Errorf("region %v outside %v", r, m.Full)
	}

	buf := raster.NewBuffer(r, m.PixelSize)
	for line := int64(0); line < r.Lines(); line++ {
		lr := r.LineRegion(line)
		start := region.LinearOffset(m.Full, lr)
		out := buf.Line(line)
		for x := int64(0); x < r.Size[0]; x++ {
			v := PixelValue(start + x)
			for c := 0; c < m.PixelSize; c++ {
				out[x*int64(m.PixelSize)+int64(c)] = v
			}
		}
	}
	return buf, nil
}

// BytesPerPixelAcrossGraph implements streaming.MemoryProfile.
func (m *MockProducer) BytesPerPixelAcrossGraph() uint64 {
	return m.Footprint
}

// Requests returns the regions requested so far.
func (m *MockProducer) Requests() []region.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]region.Region(nil), m.requests...)
}

// MockCommitter records committed regions and can fail on the nth commit.
type MockCommitter struct {
	// FailOnNth makes the nth Commit call (1-based) fail.
	FailOnNth int

	mu        sync.Mutex
	commits   []region.Region
	prepared  int
	finalized int
}

// Prepare implements streaming.Preparer.
func (m *MockCommitter) Prepare(_ context.Context, _ region.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared++
	return nil
}

// Commit implements streaming.Committer.
func (m *MockCommitter) Commit(_ context.Context, r region.Region, _ *raster.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOnNth > 0 && len(m.commits)+1 == m.FailOnNth {
		return ErrSimulated
	}
	m.commits = append(m.commits, r)
	return nil
}

// Finalize implements streaming.Finalizer.
func (m *MockCommitter) Finalize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized++
	return nil
}

// Commits returns the regions committed so far.
func (m *MockCommitter) Commits() []region.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]region.Region(nil), m.commits...)
}

// Prepared returns how often Prepare was called.
func (m *MockCommitter) Prepared() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared
}

// Finalized returns how often Finalize was called.
func (m *MockCommitter) Finalized() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// MemoryFile is an io.WriterAt backed by a growing byte slice.
type MemoryFile struct {
	mu  sync.Mutex
	buf []byte
	// Writes counts WriteAt calls.
	Writes int
}

// WriteAt implements io.WriterAt.
func (f *MemoryFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	if end := off + int64(len(p)); end > int64(len(f.buf)) {
		f.buf = append(f.buf, make([]byte, end-int64(len(f.buf)))...)
	}
	copy(f.buf[off:], p)
	return len(p), nil
}

// Bytes returns a copy of the contents.
func (f *MemoryFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf...)
}
