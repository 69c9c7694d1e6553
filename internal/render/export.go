package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"wsiview/internal/pyramid"
	"wsiview/internal/slide"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// ParseFormat accepts a format name or a file extension, with or without
// the leading dot.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "", "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "bmp":
		return BMP, nil
	case "tif", "tiff":
		return TIFF, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

func (f Format) Ext() string {
	switch f {
	case JPEG:
		return ".jpg"
	case TIFF:
		return ".tif"
	default:
		return "." + string(f)
	}
}

func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case BMP:
		return "image/bmp"
	case TIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

// Encode writes img in format f. quality applies to JPEG only.
func Encode(w io.Writer, img image.Image, f Format, quality int) error {
	var err error
	switch f {
	case PNG:
		err = png.Encode(w, img)
	case JPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case BMP:
		err = bmp.Encode(w, img)
	case TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported export format: %s", f)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", f, err)
	}
	return nil
}

// MaxBudgetOverrun is how many times the pixel budget the exported level
// may hold. Slides without a coarse enough level are refused.
const MaxBudgetOverrun = 16

// ErrExportTooLarge is returned when even the coarsest level is far above
// the export pixel budget.
var ErrExportTooLarge = errors.New("slide has no level small enough to export")

type ExportOptions struct {
	// PixelBudget selects the exported level, as for the initial view.
	PixelBudget float64
	TileSize    int
	// Concurrency bounds parallel region reads.
	Concurrency int
	// Progress, if set, is called after each tile with the count done so far.
	Progress func(done, total int)
}

// ExportLevel assembles the whole of the level chosen for opts.PixelBudget,
// reading it tile by tile.
func ExportLevel(ctx context.Context, sl slide.Slide, opts ExportOptions) (*image.RGBA, int, error) {
	levels := sl.Levels()
	if err := pyramid.ValidateLevels(levels); err != nil {
		return nil, 0, err
	}
	if !(opts.PixelBudget > 0) {
		return nil, 0, fmt.Errorf("export pixel budget must be positive, got %g", opts.PixelBudget)
	}
	if opts.TileSize < 1 {
		opts.TileSize = 512
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	index := pyramid.SelectLevel(levels, opts.PixelBudget)
	level := levels[index]
	if pixels := float64(level.Width) * float64(level.Height); pixels > MaxBudgetOverrun*opts.PixelBudget {
		return nil, index, fmt.Errorf("%w: level %d is %dx%d, budget %g pixels",
			ErrExportTooLarge, index, level.Width, level.Height, opts.PixelBudget)
	}
	out := image.NewRGBA(image.Rect(0, 0, level.Width, level.Height))
	keys := pyramid.TileGridCovering(level, pyramid.LevelBounds(level), opts.TileSize)

	var mu sync.Mutex
	done := 0
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			r := pyramid.TileBounds(key, level, opts.TileSize)
			img, err := sl.ReadRegion(ctx, index, r.Min.X, r.Min.Y, r.Dx(), r.Dy())
			if err != nil {
				return fmt.Errorf("failed to read tile %s: %w", key, err)
			}

			mu.Lock()
			defer mu.Unlock()
			draw.Draw(out, r, img, img.Bounds().Min, draw.Src)
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(keys))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return out, index, nil
}

// SuggestedName is the default file name of an export:
// <base>_full_L<level>_<w>x<h>.<ext>.
func SuggestedName(path string, level, width, height int, f Format) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if base == "" || base == "." || base == "/" {
		base = "slide"
	}
	return fmt.Sprintf("%s_full_L%d_%dx%d%s", base, level, width, height, f.Ext())
}

// Export renders the level of the open slide chosen for the export budget.
func (r *Renderer) Export(ctx context.Context, f Format, opts ExportOptions) (*Result, error) {
	src, err := r.ctrl.Source()
	if err != nil {
		return nil, err
	}

	img, level, err := ExportLevel(ctx, src.Slide, opts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, img, f, r.quality); err != nil {
		return nil, err
	}
	b := img.Bounds()
	r.logger.Info("Exported level",
		zap.String("session", src.SessionID),
		zap.Int("level", level),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.String("format", string(f)),
		zap.Int("bytes", buf.Len()),
	)
	return &Result{
		Data:        buf.Bytes(),
		Size:        buf.Len(),
		ContentType: f.ContentType(),
		Name:        SuggestedName(src.Path, level, b.Dx(), b.Dy(), f),
	}, nil
}
