package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"wsiview/internal/viewport"
)

// Background fills parts of a frame with no tile, as in the tile padding
// of the old renderer (#ddd).
var Background = color.RGBA{R: 221, G: 221, B: 221, A: 255}

type Renderer struct {
	ctrl    *viewport.Controller
	thumbs  *Thumbnails
	quality int
	logger  *zap.Logger
}

// Result is an encoded image ready to be served.
type Result struct {
	Data        []byte
	ETag        string
	Size        int
	ContentType string
	Name        string
}

func New(ctrl *viewport.Controller, thumbs *Thumbnails, quality int, logger *zap.Logger) *Renderer {
	return &Renderer{
		ctrl:    ctrl,
		thumbs:  thumbs,
		quality: quality,
		logger:  logger,
	}
}

// RenderFrame draws what is cached of the current view as a JPEG. Missing
// tiles show the background until a later frame.
func (r *Renderer) RenderFrame() (*Result, error) {
	f, err := r.ctrl.Frame()
	if err != nil {
		return nil, err
	}

	data, err := EncodeJPEG(ComposeFrame(f), r.quality)
	if err != nil {
		return nil, err
	}

	if len(f.Missing) > 0 {
		r.logger.Debug("Partial frame",
			zap.String("session", f.SessionID),
			zap.Int("tiles", len(f.Tiles)),
			zap.Int("missing", len(f.Missing)),
		)
	}
	return &Result{
		Data:        data,
		ETag:        FrameETag(f),
		Size:        len(data),
		ContentType: "image/jpeg",
	}, nil
}

// RenderThumbnail draws the overview thumbnail with the visible region
// marked on it, as PNG.
func (r *Renderer) RenderThumbnail(ctx context.Context) (*Result, error) {
	src, err := r.ctrl.Source()
	if err != nil {
		return nil, err
	}
	base, err := r.thumbs.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	box, err := r.ctrl.ThumbnailOverlay()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, WithOverlay(base, box), PNG, r.quality); err != nil {
		return nil, err
	}
	return &Result{
		Data:        buf.Bytes(),
		ETag:        generateETag(fmt.Sprintf("%s/thumbnail/%v", src.SessionID, box), nil),
		Size:        buf.Len(),
		ContentType: PNG.ContentType(),
	}, nil
}

// ComposeFrame paints the tiles of f onto a background-filled image of the
// viewport size.
func ComposeFrame(f viewport.Frame) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)

	for _, t := range f.Tiles {
		// adjacent tiles share rounded edges
		dr := pixelRect(t.Dest)
		if dr.Intersect(dst.Bounds()).Empty() {
			continue
		}
		draw.ApproxBiLinear.Scale(dst, dr, t.Pixels, t.Pixels.Bounds(), draw.Src, nil)
	}
	return dst
}

func pixelRect(r r2.Rect) image.Rectangle {
	return image.Rect(
		int(math.Round(r.X.Lo)),
		int(math.Round(r.Y.Lo)),
		int(math.Round(r.X.Hi)),
		int(math.Round(r.Y.Hi)),
	)
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FrameETag identifies the content of a frame: the same view with the same
// tiles present always renders the same image.
func FrameETag(f viewport.Frame) string {
	v := f.View
	key := fmt.Sprintf("%s_%dx%d_%d_%g_%g_%g", f.SessionID, f.Width, f.Height, v.Level, v.Zoom, v.Viewport.X.Lo, v.Viewport.Y.Lo)
	return generateETag(key, func(h hash.Hash) {
		for _, t := range f.Tiles {
			fmt.Fprintf(h, "/%s", t.Key)
		}
	})
}

func generateETag(key string, more func(hash.Hash)) string {
	h := sha256.New()
	h.Write([]byte(key))
	if more != nil {
		more(h)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
