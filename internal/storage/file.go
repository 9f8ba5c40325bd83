// Package storage provides committers that persist streamed regions: raw
// interleaved pixels in any io.WriterAt, encoded images and Redis strings.
// Every committer places a region's lines at region.LinearOffset of the full
// image, so the output does not depend on the splitting strategy.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// ErrNotPrepared is returned when Commit is called before Prepare.
var ErrNotPrepared = errors.New("storage: commit before prepare")

// checkCommit verifies a committed buffer against the layout of full.
func checkCommit(full region.Region, pixelSize int, r region.Region, buf *raster.Buffer) error {
	if full.Dimension() == 0 {
		return ErrNotPrepared
	}
	if buf.PixelSize != pixelSize {
		return fmt.Errorf("buffer has %d bytes per pixel, storage expects %d", buf.PixelSize, pixelSize)
	}
	if !full.Contains(r) {
		return fmt.Errorf("region %v outside %v", r, full)
	}
	return buf.Check(r)
}

// Raw writes interleaved pixels, axis 0 fastest, to an io.WriterAt.
type Raw struct {
	w         io.WriterAt
	pixelSize int
	full      region.Region
}

// NewRaw creates a raw committer writing pixelSize bytes per pixel to w.
func NewRaw(w io.WriterAt, pixelSize int) *Raw {
	return &Raw{w: w, pixelSize: pixelSize}
}

// Prepare implements streaming.Preparer.
func (s *Raw) Prepare(_ context.Context, full region.Region) error {
	if s.pixelSize <= 0 {
		return fmt.Errorf("pixel size %d must be positive", s.pixelSize)
	}
	s.full = region.New(full.Index, full.Size)
	return nil
}

// Commit implements streaming.Committer.
func (s *Raw) Commit(_ context.Context, r region.Region, buf *raster.Buffer) error {
	if err := checkCommit(s.full, s.pixelSize, r, buf); err != nil {
		return err
	}
	for line := int64(0); line < r.Lines(); line++ {
		off := region.LinearOffset(s.full, r.LineRegion(line)) * int64(s.pixelSize)
		if _, err := s.w.WriteAt(buf.Line(line), off); err != nil {
			return fmt.Errorf("write line %d of %v at %d: %w", line, r, off, err)
		}
	}
	return nil
}

// File is a Raw committer on a file that is written under a temporary name
// and renamed into place by Finalize.
type File struct {
	*Raw
	f       *os.File
	path    string
	renamed bool
}

// CreateFile opens path+".tmp" for writing.
func CreateFile(path string, pixelSize int) (*File, error) {
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	return &File{Raw: NewRaw(f, pixelSize), f: f, path: path}, nil
}

// Prepare sizes the file to the full image.
func (s *File) Prepare(ctx context.Context, full region.Region) error {
	if err := s.Raw.Prepare(ctx, full); err != nil {
		return err
	}
	return s.f.Truncate(full.NumberOfPixels() * int64(s.pixelSize))
}

// Finalize implements streaming.Finalizer.
func (s *File) Finalize(context.Context) error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(s.f.Name(), s.path); err != nil {
		return err
	}
	s.renamed = true
	return nil
}

// Close removes the temporary file unless Finalize renamed it into place.
func (s *File) Close() error {
	if s.renamed {
		return nil
	}
	err := s.f.Close()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	if rmErr := os.Remove(s.f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}
	return err
}
