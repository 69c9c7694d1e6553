package pyramid

import (
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
)

// Three coordinate spaces are in play:
//   - viewport: output pixels, origin at the top-left of the view
//   - scene: pixels of the currently displayed level
//   - level 0: pixels of the full-resolution image
//
// Scene and level-0 differ by the level downsample; viewport and scene
// differ by the view Transform.

// Transform maps scene coordinates onto the viewport:
// viewport = (scene - Origin) * Zoom.
type Transform struct {
	Zoom   float64  `json:"zoom"`
	Origin r2.Point `json:"origin"`
}

// Rect builds a rectangle from its top-left corner and size.
func Rect(x, y, w, h float64) r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: x, Hi: x + w},
		Y: r1.Interval{Lo: y, Hi: y + h},
	}
}

// HasArea reports whether r is non-empty with strictly positive width and height.
func HasArea(r r2.Rect) bool {
	return !r.IsEmpty() && r.X.Length() > 0 && r.Y.Length() > 0
}

// LevelBounds is the scene rectangle covered by a level.
func LevelBounds(level LevelDescriptor) r2.Rect {
	return Rect(0, 0, float64(level.Width), float64(level.Height))
}

func scaleRect(r r2.Rect, s float64) r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: r.X.Lo * s, Hi: r.X.Hi * s},
		Y: r1.Interval{Lo: r.Y.Lo * s, Hi: r.Y.Hi * s},
	}
}

// SceneToLevel0 converts a scene rectangle at a level with the given
// downsample into level-0 units.
func SceneToLevel0(r r2.Rect, downsample float64) r2.Rect {
	return scaleRect(r, downsample)
}

// Level0ToScene converts a level-0 rectangle into scene units of a level
// with the given downsample.
func Level0ToScene(r r2.Rect, downsample float64) r2.Rect {
	return scaleRect(r, 1/downsample)
}

// ViewportToScene applies the inverse of t to a viewport rectangle.
func ViewportToScene(r r2.Rect, t Transform) r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: r.X.Lo/t.Zoom + t.Origin.X, Hi: r.X.Hi/t.Zoom + t.Origin.X},
		Y: r1.Interval{Lo: r.Y.Lo/t.Zoom + t.Origin.Y, Hi: r.Y.Hi/t.Zoom + t.Origin.Y},
	}
}

// SceneToViewport applies t to a scene rectangle.
func SceneToViewport(r r2.Rect, t Transform) r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: (r.X.Lo - t.Origin.X) * t.Zoom, Hi: (r.X.Hi - t.Origin.X) * t.Zoom},
		Y: r1.Interval{Lo: (r.Y.Lo - t.Origin.Y) * t.Zoom, Hi: (r.Y.Hi - t.Origin.Y) * t.Zoom},
	}
}

// ViewportPointToScene maps a single viewport point into scene coordinates.
func ViewportPointToScene(p r2.Point, t Transform) r2.Point {
	return r2.Point{X: p.X/t.Zoom + t.Origin.X, Y: p.Y/t.Zoom + t.Origin.Y}
}

// TileGridCovering returns every tile of level whose bounds intersect r,
// a rectangle in level-local pixels. Keys are unique and ordered row by row.
// Tiles are half-open squares [i*edge, (i+1)*edge); the last column and row
// may extend past the level edge and are still included.
func TileGridCovering(level LevelDescriptor, r r2.Rect, tileEdge int) []TileKey {
	if tileEdge <= 0 {
		return nil
	}
	clip := r.Intersection(LevelBounds(level))
	if !HasArea(clip) {
		return nil
	}

	edge := float64(tileEdge)
	cols, rows := GridSize(level, tileEdge)

	x0 := int(math.Floor(clip.X.Lo / edge))
	y0 := int(math.Floor(clip.Y.Lo / edge))
	x1 := min(int(math.Ceil(clip.X.Hi/edge)), cols)
	y1 := min(int(math.Ceil(clip.Y.Hi/edge)), rows)

	keys := make([]TileKey, 0, (x1-x0)*(y1-y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			keys = append(keys, TileKey{Level: level.Index, TileX: x, TileY: y})
		}
	}
	return keys
}

// OverlayBox places the visible region, given in level-0 units, on a
// thumbnail of thumbW x thumbH that depicts a slide of slideW x slideH.
// The box is clipped to the thumbnail; a box thinner than minEdge on
// either axis is widened to minEdge so it stays visible. An empty rect is
// returned when the view does not overlap the slide.
func OverlayBox(visible r2.Rect, slideW, slideH, thumbW, thumbH int, minEdge float64) r2.Rect {
	if slideW <= 0 || slideH <= 0 || thumbW <= 0 || thumbH <= 0 {
		return r2.EmptyRect()
	}
	sx := float64(thumbW) / float64(slideW)
	sy := float64(thumbH) / float64(slideH)
	box := r2.Rect{
		X: r1.Interval{Lo: visible.X.Lo * sx, Hi: visible.X.Hi * sx},
		Y: r1.Interval{Lo: visible.Y.Lo * sy, Hi: visible.Y.Hi * sy},
	}
	box = box.Intersection(Rect(0, 0, float64(thumbW), float64(thumbH)))
	if !HasArea(box) {
		return r2.EmptyRect()
	}
	box.X = widen(box.X, minEdge, float64(thumbW))
	box.Y = widen(box.Y, minEdge, float64(thumbH))
	return box
}

func widen(i r1.Interval, minLen, limit float64) r1.Interval {
	if i.Length() >= minLen || minLen > limit {
		return i
	}
	i.Hi = i.Lo + minLen
	if i.Hi > limit {
		i.Lo, i.Hi = limit-minLen, limit
	}
	return i
}

// Box is a rectangle as origin and size, the form rectangles take on the wire.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BoxOf converts r to a Box. An empty rect yields the zero Box.
func BoxOf(r r2.Rect) Box {
	if r.IsEmpty() {
		return Box{}
	}
	return Box{X: r.X.Lo, Y: r.Y.Lo, Width: r.X.Length(), Height: r.Y.Length()}
}
