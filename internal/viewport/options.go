package viewport

import "fmt"

type Options struct {
	// TileSize is the tile edge in level-local pixels.
	TileSize      int
	MaxConcurrent int
	// DecodeRate limits decode starts per second, zero for no limit.
	DecodeRate float64

	// TargetPixelBudget drives the level picked when a slide is opened.
	TargetPixelBudget float64

	// Zoom is clamped to [MinZoom, MaxZoom] of the current level's
	// native scale.
	MinZoom float64
	MaxZoom float64

	// With ReLevel set, a zoom leaving [ReLevelBelow, ReLevelAbove]
	// re-evaluates the displayed level.
	ReLevel      bool
	ReLevelBelow float64
	ReLevelAbove float64

	// Initial viewport size in pixels. Neither edge may exceed
	// MaxViewportEdge, which bounds the memory of a composed frame.
	ViewportWidth   int
	ViewportHeight  int
	MaxViewportEdge int

	ThumbnailMaxEdge int
	MinOverlayEdge   float64
}

func DefaultOptions() Options {
	return Options{
		TileSize:          512,
		MaxConcurrent:     8,
		TargetPixelBudget: 1024 * 1024,
		MinZoom:           0.01,
		MaxZoom:           10,
		ReLevel:           true,
		ReLevelBelow:      0.5,
		ReLevelAbove:      1.5,
		ViewportWidth:     1024,
		ViewportHeight:    768,
		MaxViewportEdge:   8192,
		ThumbnailMaxEdge:  190,
		MinOverlayEdge:    5,
	}
}

func (o Options) validate() error {
	switch {
	case o.TileSize < 1:
		return fmt.Errorf("tile size %d must be at least 1", o.TileSize)
	case o.MaxConcurrent < 1:
		return fmt.Errorf("max concurrent decodes %d must be at least 1", o.MaxConcurrent)
	case o.MinZoom <= 0 || o.MaxZoom < o.MinZoom:
		return fmt.Errorf("invalid zoom range [%g, %g]", o.MinZoom, o.MaxZoom)
	case o.ReLevel && (o.ReLevelBelow <= 0 || o.ReLevelAbove < o.ReLevelBelow):
		return fmt.Errorf("invalid re-level thresholds [%g, %g]", o.ReLevelBelow, o.ReLevelAbove)
	case o.MaxViewportEdge < 1:
		return fmt.Errorf("max viewport edge %d must be at least 1", o.MaxViewportEdge)
	case !o.validSize(o.ViewportWidth, o.ViewportHeight):
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, o.ViewportWidth, o.ViewportHeight)
	case o.ThumbnailMaxEdge < 1:
		return fmt.Errorf("thumbnail edge %d must be at least 1", o.ThumbnailMaxEdge)
	}
	return nil
}

func (o Options) validSize(width, height int) bool {
	return width >= 1 && height >= 1 && width <= o.MaxViewportEdge && height <= o.MaxViewportEdge
}
