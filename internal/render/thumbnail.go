package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r2"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/draw"

	"wsiview/internal/slide"
	"wsiview/internal/viewport"
)

var (
	overlayFill   = color.NRGBA{R: 255, A: 50}
	overlayBorder = color.RGBA{R: 255, A: 255}
)

const overlayBorderWidth = 2

// Thumbnails caches the overview image of each opened slide, keyed by
// session.
type Thumbnails struct {
	cache   *otter.Cache[string, *image.RGBA]
	maxEdge int
}

func NewThumbnails(size, maxEdge int) (*Thumbnails, error) {
	c, err := otter.New(&otter.Options[string, *image.RGBA]{
		MaximumSize: size,
	})
	if err != nil {
		return nil, err
	}
	return &Thumbnails{cache: c, maxEdge: maxEdge}, nil
}

// Get returns the thumbnail of src, building it on first use.
func (t *Thumbnails) Get(ctx context.Context, src viewport.Source) (*image.RGBA, error) {
	return t.cache.Get(ctx, src.SessionID, otter.LoaderFunc[string, *image.RGBA](func(ctx context.Context, _ string) (*image.RGBA, error) {
		return BuildThumbnail(ctx, src.Slide, t.maxEdge)
	}))
}

// BuildThumbnail reads the coarsest level of sl and scales it to fit within
// maxEdge pixels.
func BuildThumbnail(ctx context.Context, sl slide.Slide, maxEdge int) (*image.RGBA, error) {
	levels := sl.Levels()
	if len(levels) == 0 {
		return nil, fmt.Errorf("slide has no levels")
	}
	coarsest := levels[len(levels)-1]
	src, err := sl.ReadRegion(ctx, coarsest.Index, 0, 0, coarsest.Width, coarsest.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to read level %d: %w", coarsest.Index, err)
	}

	w, h := viewport.ThumbnailSize(levels[0].Width, levels[0].Height, maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// WithOverlay returns a copy of base with box marked: a translucent red
// fill inside a red border. An empty box leaves the copy unmarked.
func WithOverlay(base *image.RGBA, box r2.Rect) *image.RGBA {
	out := image.NewRGBA(base.Bounds())
	draw.Draw(out, out.Bounds(), base, base.Bounds().Min, draw.Src)
	if box.IsEmpty() {
		return out
	}

	r := image.Rect(
		int(math.Floor(box.X.Lo)),
		int(math.Floor(box.Y.Lo)),
		int(math.Ceil(box.X.Hi)),
		int(math.Ceil(box.Y.Hi)),
	).Intersect(out.Bounds())
	if r.Empty() {
		return out
	}

	draw.Draw(out, r, image.NewUniform(overlayFill), image.Point{}, draw.Over)

	border := image.NewUniform(overlayBorder)
	bw := min(overlayBorderWidth, r.Dx(), r.Dy())
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+bw),
		image.Rect(r.Min.X, r.Max.Y-bw, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+bw, r.Max.Y),
		image.Rect(r.Max.X-bw, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(out, edge, border, image.Point{}, draw.Src)
	}
	return out
}
