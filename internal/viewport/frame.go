package viewport

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"wsiview/internal/cache"
	"wsiview/internal/pyramid"
	"wsiview/internal/scheduler"
	"wsiview/internal/slide"
)

// PlacedTile is a cached tile and where it lands in the viewport.
type PlacedTile struct {
	Key    pyramid.TileKey
	Pixels image.Image
	Dest   r2.Rect
}

// Frame is a snapshot of what can be drawn right now: the cached part of
// the visible tile set. Missing tiles are still being decoded or failed.
type Frame struct {
	SessionID  string
	Generation uint64
	Width      int
	Height     int
	View       ViewState
	Tiles      []PlacedTile
	Missing    []pyramid.TileKey
}

// Complete reports whether every visible tile is in the frame.
func (f Frame) Complete() bool {
	return len(f.Missing) == 0
}

// Frame collects the cached tiles of the current view.
func (c *Controller) Frame() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return Frame{}, err
	}

	t := c.transform(s)
	level := s.levels[s.level]
	f := Frame{
		SessionID:  s.id,
		Generation: s.generation,
		Width:      c.width,
		Height:     c.height,
		View:       c.viewState(s),
	}
	for _, key := range c.visibleTiles(s) {
		entry, ok := c.cache.Get(key)
		if !ok {
			f.Missing = append(f.Missing, key)
			continue
		}
		b := pyramid.TileBounds(key, level, c.opts.TileSize)
		scene := pyramid.Rect(float64(b.Min.X), float64(b.Min.Y), float64(b.Dx()), float64(b.Dy()))
		f.Tiles = append(f.Tiles, PlacedTile{
			Key:    key,
			Pixels: entry.Pixels,
			Dest:   pyramid.SceneToViewport(scene, t),
		})
	}
	return f, nil
}

// ThumbnailSize returns the size of the overview thumbnail: the slide
// scaled to fit the configured maximum edge.
func (c *Controller) ThumbnailSize() (width, height int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return 0, 0, err
	}
	width, height = c.thumbnailSize(s)
	return width, height, nil
}

// ThumbnailOverlay returns the visible region drawn on the thumbnail, in
// thumbnail pixels.
func (c *Controller) ThumbnailOverlay() (r2.Rect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return r2.EmptyRect(), err
	}
	return c.overlay(s), nil
}

func (c *Controller) thumbnailSize(s *session) (int, int) {
	return ThumbnailSize(s.levels[0].Width, s.levels[0].Height, c.opts.ThumbnailMaxEdge)
}

func (c *Controller) overlay(s *session) r2.Rect {
	tw, th := c.thumbnailSize(s)
	visible := pyramid.SceneToLevel0(c.viewRect(s), s.levels[s.level].Downsample)
	return pyramid.OverlayBox(visible, s.levels[0].Width, s.levels[0].Height, tw, th, c.opts.MinOverlayEdge)
}

// ThumbnailSize scales width x height to fit within maxEdge, keeping the
// aspect ratio.
func ThumbnailSize(width, height, maxEdge int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	scale := float64(maxEdge) / float64(max(width, height))
	return max(1, int(math.Round(float64(width)*scale))), max(1, int(math.Round(float64(height)*scale)))
}

// Status summarises the controller for display.
type Status struct {
	State          string                    `json:"state"`
	SessionID      string                    `json:"session_id,omitempty"`
	Path           string                    `json:"path,omitempty"`
	Width          int                       `json:"width,omitempty"`
	Height         int                       `json:"height,omitempty"`
	Levels         []pyramid.LevelDescriptor `json:"levels,omitempty"`
	Level          int                       `json:"level"`
	Downsample     float64                   `json:"downsample,omitempty"`
	Zoom           float64                   `json:"zoom,omitempty"`
	ZoomPercent    float64                   `json:"zoom_percent,omitempty"`
	ViewportWidth  int                       `json:"viewport_width"`
	ViewportHeight int                       `json:"viewport_height"`
	Scene          pyramid.Box               `json:"scene"`
	Level0         pyramid.Box               `json:"level0"`
	Thumbnail      image.Point               `json:"thumbnail"`
	Overlay        pyramid.Box               `json:"overlay"`
	Generation     uint64                    `json:"generation"`
	VisibleTiles   int                       `json:"visible_tiles"`
	Cache          cache.Stats               `json:"cache"`
	Scheduler      scheduler.Stats           `json:"scheduler"`
}

// Status reports the current state. It works in every state; view fields
// are zero when no slide is displayed.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.state.String(),
		ViewportWidth:  c.width,
		ViewportHeight: c.height,
		Cache:          c.cache.Stats(),
	}
	s := c.session
	if s == nil {
		return st
	}

	level := s.levels[s.level]
	scene := c.viewRect(s)
	tw, th := c.thumbnailSize(s)

	st.SessionID = s.id
	st.Path = s.path
	st.Width, st.Height = s.levels[0].Width, s.levels[0].Height
	st.Levels = s.levels
	st.Level = s.level
	st.Downsample = level.Downsample
	st.Zoom = s.zoom
	st.ZoomPercent = s.zoom / level.Downsample * 100
	st.Scene = pyramid.BoxOf(scene)
	st.Level0 = pyramid.BoxOf(pyramid.SceneToLevel0(scene, level.Downsample))
	st.Thumbnail = image.Pt(tw, th)
	st.Overlay = pyramid.BoxOf(c.overlay(s))
	st.Generation = s.generation
	st.VisibleTiles = len(c.visibleTiles(s))
	st.Scheduler = s.sched.Stats()
	return st
}

// Text renders the status line of the viewer.
func (s Status) Text() string {
	if s.SessionID == "" {
		return "Ready - Please open WSI file"
	}
	return fmt.Sprintf("Level: %d | Downsample: %.2fx | Zoom: %.1f%% | Position: (%d, %d) | View Size: %dx%d",
		s.Level, s.Downsample, s.ZoomPercent,
		int(s.Level0.X), int(s.Level0.Y), int(s.Level0.Width), int(s.Level0.Height))
}

// Metadata describes the open slide.
func (c *Controller) Metadata() (slide.Metadata, error) {
	c.mu.Lock()
	s, err := c.current()
	c.mu.Unlock()
	if err != nil {
		return slide.Metadata{}, err
	}
	return slide.Describe(s.path, s.slide), nil
}

// Source gives direct read access to the open slide, for work such as
// thumbnails and exports that does not go through the tile cache. Reads
// fail once the slide has been replaced or closed.
type Source struct {
	SessionID string
	Path      string
	Slide     slide.Slide
	Levels    []pyramid.LevelDescriptor
}

func (c *Controller) Source() (Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return Source{}, err
	}
	return Source{SessionID: s.id, Path: s.path, Slide: s.slide, Levels: s.levels}, nil
}
