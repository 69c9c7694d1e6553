package slide

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync/atomic"

	"wsiview/internal/pyramid"
)

// SyntheticPath is the library path under which the demo slide is served.
const SyntheticPath = "synthetic://checkerboard"

// Synthetic is a procedurally generated slide: a checkerboard whose cells
// are fixed in level-0 space, tinted per level so level switches are
// visible. It needs no files and is deterministic.
type Synthetic struct {
	levels     []pyramid.LevelDescriptor
	props      map[string]string
	cell       float64
	concurrent bool
	closed     atomic.Bool
	reads      atomic.Int64

	// ReadHook, when set, runs before every read and may fail it.
	ReadHook func(ctx context.Context, level, x, y, w, h int) error
}

// NewSynthetic builds a slide of width x height level-0 pixels with one
// level per downsample. downsamples must start at 1 and not decrease.
func NewSynthetic(width, height int, downsamples ...float64) *Synthetic {
	if len(downsamples) == 0 {
		downsamples = []float64{1}
	}
	levels := make([]pyramid.LevelDescriptor, len(downsamples))
	for i, d := range downsamples {
		levels[i] = pyramid.LevelDescriptor{
			Index:      i,
			Width:      max(1, int(math.Ceil(float64(width)/d))),
			Height:     max(1, int(math.Ceil(float64(height)/d))),
			Downsample: d,
		}
	}
	return &Synthetic{
		levels: levels,
		cell:   256,
		props: map[string]string{
			"openslide.vendor": "synthetic",
			"openslide.mpp-x":  "0.25",
			"openslide.mpp-y":  "0.25",
			"synthetic.cell":   "256",
		},
	}
}

// SetConcurrent declares whether reads may run concurrently.
func (s *Synthetic) SetConcurrent(ok bool) {
	s.concurrent = ok
}

// SetProperty adds or replaces a property.
func (s *Synthetic) SetProperty(key, value string) {
	s.props[key] = value
}

// Reads returns the number of ReadRegion calls served.
func (s *Synthetic) Reads() int64 {
	return s.reads.Load()
}

func (s *Synthetic) ConcurrentReads() bool {
	return s.concurrent
}

func (s *Synthetic) Dimensions() (int, int) {
	return s.levels[0].Width, s.levels[0].Height
}

func (s *Synthetic) Levels() []pyramid.LevelDescriptor {
	return append([]pyramid.LevelDescriptor(nil), s.levels...)
}

func (s *Synthetic) Properties() map[string]string {
	props := make(map[string]string, len(s.props))
	for k, v := range s.props {
		props[k] = v
	}
	return props
}

func (s *Synthetic) AssociatedImages() map[string]image.Point {
	return map[string]image.Point{"label": image.Pt(300, 200)}
}

func (s *Synthetic) ReadRegion(ctx context.Context, level, x, y, w, h int) (image.Image, error) {
	if s.closed.Load() {
		return nil, errors.New("slide is closed")
	}
	r, err := clipRegion(s.levels, level, x, y, w, h)
	if err != nil {
		return nil, err
	}
	if s.ReadHook != nil {
		if err := s.ReadHook(ctx, level, x, y, w, h); err != nil {
			return nil, err
		}
	}
	s.reads.Add(1)

	ds := s.levels[level].Downsample
	tint := uint8(255 - min(level*40, 200))
	img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for py := 0; py < r.Dy(); py++ {
		cy := int(math.Floor(float64(r.Min.Y+py) * ds / s.cell))
		for px := 0; px < r.Dx(); px++ {
			cx := int(math.Floor(float64(r.Min.X+px) * ds / s.cell))
			if (cx+cy)%2 == 0 {
				img.SetRGBA(px, py, color.RGBA{R: tint, G: 230, B: 230, A: 255})
			} else {
				img.SetRGBA(px, py, color.RGBA{R: 120, G: 40, B: tint / 2, A: 255})
			}
		}
	}
	return img, nil
}

func (s *Synthetic) Close() error {
	s.closed.Store(true)
	return nil
}
