package slide

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cshum/vipsgen/vips"

	"wsiview/internal/pyramid"
)

// Extensions lists the file types OpenVips understands.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".ptif": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// maxPages bounds the TIFF directory walk when discovering levels.
const maxPages = 64

// VipsSlide reads pyramidal TIFFs, one level per page, and flat JPEG, PNG
// and WebP images as single-level slides. Every read opens its own vips
// image, so reads may run concurrently.
type VipsSlide struct {
	path        string
	loader      string
	compression int
	levels      []pyramid.LevelDescriptor
	pages       []int
	associated  map[string]image.Point
	props       map[string]string
	closed      atomic.Bool
}

type VipsOptions struct {
	// Compression is the zlib level, 0 to 9, of the lossless PNG buffer
	// that carries region pixels out of vips. Zero selects 1.
	Compression int
}

// OpenVips inspects the file at path and returns a slide over it.
func OpenVips(path string, opts VipsOptions) (*VipsSlide, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !Extensions[ext] {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("unsupported image format: %s", ext)}
	}
	if opts.Compression <= 0 || opts.Compression > 9 {
		opts.Compression = 1
	}

	s := &VipsSlide{
		path:        path,
		loader:      loaderName(ext),
		compression: opts.Compression,
		associated:  make(map[string]image.Point),
	}
	if err := s.discover(ext); err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	if err := pyramid.ValidateLevels(s.levels); err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	sc, err := LoadSidecar(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	s.props = s.baseProperties()
	if sc != nil {
		for k, v := range sc.Properties {
			s.props[k] = v
		}
	}
	return s, nil
}

// discover walks the file's pages. Pages that shrink on both axes extend
// the pyramid; anything else is kept as an associated image.
func (s *VipsSlide) discover(ext string) error {
	if !isTIFF(ext) {
		img, err := loadImage(s.path, 0, vips.AccessSequential)
		if err != nil {
			return err
		}
		defer img.Close()
		s.addLevel(0, img.Width(), img.Height())
		return nil
	}

	for page := 0; page < maxPages; page++ {
		img, err := loadImage(s.path, page, vips.AccessSequential)
		if err != nil {
			if page == 0 {
				return err
			}
			break
		}
		w, h := img.Width(), img.Height()
		img.Close()

		last := len(s.levels) - 1
		if last < 0 || (w < s.levels[last].Width && h < s.levels[last].Height) {
			s.addLevel(page, w, h)
			continue
		}
		s.associated["page-"+strconv.Itoa(page)] = image.Pt(w, h)
	}
	return nil
}

func (s *VipsSlide) addLevel(page, w, h int) {
	ds := 1.0
	if len(s.levels) > 0 {
		base := s.levels[0]
		ds = (float64(base.Width)/float64(w) + float64(base.Height)/float64(h)) / 2
	}
	s.levels = append(s.levels, pyramid.LevelDescriptor{
		Index:      len(s.levels),
		Width:      w,
		Height:     h,
		Downsample: ds,
	})
	s.pages = append(s.pages, page)
}

func (s *VipsSlide) baseProperties() map[string]string {
	props := map[string]string{
		"vips.loader":      s.loader,
		"vips.width":       strconv.Itoa(s.levels[0].Width),
		"vips.height":      strconv.Itoa(s.levels[0].Height),
		"vips.level-count": strconv.Itoa(len(s.levels)),
	}
	for _, l := range s.levels {
		prefix := fmt.Sprintf("vips.level[%d].", l.Index)
		props[prefix+"width"] = strconv.Itoa(l.Width)
		props[prefix+"height"] = strconv.Itoa(l.Height)
		props[prefix+"downsample"] = strconv.FormatFloat(l.Downsample, 'f', -1, 64)
		props[prefix+"page"] = strconv.Itoa(s.pages[l.Index])
	}
	if info, err := os.Stat(s.path); err == nil {
		props["file.bytes"] = strconv.FormatInt(info.Size(), 10)
	}
	return props
}

func (s *VipsSlide) Dimensions() (int, int) {
	return s.levels[0].Width, s.levels[0].Height
}

func (s *VipsSlide) Levels() []pyramid.LevelDescriptor {
	return append([]pyramid.LevelDescriptor(nil), s.levels...)
}

func (s *VipsSlide) Properties() map[string]string {
	props := make(map[string]string, len(s.props))
	for k, v := range s.props {
		props[k] = v
	}
	return props
}

func (s *VipsSlide) AssociatedImages() map[string]image.Point {
	out := make(map[string]image.Point, len(s.associated))
	for k, v := range s.associated {
		out[k] = v
	}
	return out
}

func (s *VipsSlide) ConcurrentReads() bool {
	return true
}

// ReadRegion extracts a level-local region. Regions crossing the level
// edge are clipped.
func (s *VipsSlide) ReadRegion(ctx context.Context, level, x, y, w, h int) (image.Image, error) {
	if s.closed.Load() {
		return nil, errors.New("slide is closed")
	}
	r, err := clipRegion(s.levels, level, x, y, w, h)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Use AccessRandom for efficient region extraction from large files
	img, err := loadImage(s.path, s.pages[level], vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open level %d: %w", level, err)
	}
	defer img.Close()

	if r != image.Rect(0, 0, img.Width(), img.Height()) {
		if err := img.ExtractArea(r.Min.X, r.Min.Y, r.Dx(), r.Dy()); err != nil {
			return nil, fmt.Errorf("failed to extract area: %w", err)
		}
	}

	pngOpts := vips.DefaultPngsaveBufferOptions()
	pngOpts.Compression = s.compression
	pngOpts.Filter = vips.PngFilterNone

	data, err := img.PngsaveBuffer(pngOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export region: %w", err)
	}
	return decodeRegion(data)
}

// decodeRegion turns the PNG buffer exported by vips back into pixels.
func decodeRegion(data []byte) (image.Image, error) {
	pixels, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode region: %w", err)
	}
	return pixels, nil
}

func (s *VipsSlide) Close() error {
	s.closed.Store(true)
	return nil
}

func isTIFF(ext string) bool {
	return ext == ".tif" || ext == ".tiff" || ext == ".ptif"
}

func loaderName(ext string) string {
	switch {
	case isTIFF(ext):
		return "tiffload"
	case ext == ".png":
		return "pngload"
	case ext == ".webp":
		return "webpload"
	default:
		return "jpegload"
	}
}

// loadImage loads one page of an image based on file extension
func loadImage(path string, page int, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case isTIFF(ext):
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		opts.Page = page
		return vips.NewTiffload(path, opts)
	case ext == ".jpg" || ext == ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ext == ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ext == ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
