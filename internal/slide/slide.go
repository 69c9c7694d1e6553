// Package slide defines the pyramidal image source consumed by the viewer
// and provides a libvips-backed implementation.
package slide

import (
	"context"
	"fmt"
	"image"
	"sync"

	"wsiview/internal/pyramid"
)

// Slide is an open pyramidal image. Region coordinates are level-local pixels.
type Slide interface {
	Dimensions() (width, height int)
	Levels() []pyramid.LevelDescriptor
	ReadRegion(ctx context.Context, level, x, y, w, h int) (image.Image, error)
	Properties() map[string]string
	AssociatedImages() map[string]image.Point
	Close() error
}

// ConcurrentReader is implemented by slides that allow ReadRegion calls
// from several goroutines at once.
type ConcurrentReader interface {
	ConcurrentReads() bool
}

// Opener opens the slide at path.
type Opener func(path string) (Slide, error)

// OpenError reports a slide that could not be opened.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open slide %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// SupportsConcurrentReads reports whether s declares ReadRegion safe for
// concurrent use. Slides that say nothing are assumed unsafe.
func SupportsConcurrentReads(s Slide) bool {
	cr, ok := s.(ConcurrentReader)
	return ok && cr.ConcurrentReads()
}

// Serialize returns s unchanged if it supports concurrent reads, and
// otherwise wraps it so that ReadRegion calls run one at a time.
func Serialize(s Slide) Slide {
	if SupportsConcurrentReads(s) {
		return s
	}
	return &serialized{Slide: s}
}

type serialized struct {
	Slide
	mu sync.Mutex
}

func (s *serialized) ReadRegion(ctx context.Context, level, x, y, w, h int) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Slide.ReadRegion(ctx, level, x, y, w, h)
}

func (s *serialized) ConcurrentReads() bool {
	return true
}

// clipRegion validates a region request against the level list and clips
// it to the level bounds.
func clipRegion(levels []pyramid.LevelDescriptor, level, x, y, w, h int) (image.Rectangle, error) {
	if level < 0 || level >= len(levels) {
		return image.Rectangle{}, fmt.Errorf("level %d out of range [0, %d)", level, len(levels))
	}
	l := levels[level]
	r := image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, l.Width, l.Height))
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("region %d,%d %dx%d outside level %d (%dx%d)", x, y, w, h, level, l.Width, l.Height)
	}
	return r, nil
}

// NewOpener returns the opener used by the commands: SyntheticPath yields
// the demo checkerboard, anything else is opened with libvips.
func NewOpener(opts VipsOptions) Opener {
	return func(path string) (Slide, error) {
		if path == SyntheticPath {
			return NewSynthetic(100000, 80000, 1, 4, 16, 64, 256), nil
		}
		s, err := OpenVips(path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
