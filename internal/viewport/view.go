package viewport

import (
	"math"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"

	"wsiview/internal/pyramid"
)

// ZoomStep is the factor applied by ZoomIn and ZoomOut.
const ZoomStep = 1.2

// Pan moves the visible window by dx, dy viewport pixels. The view centre
// is kept inside the level.
func (c *Controller) Pan(dx, dy float64) error {
	if math.IsNaN(dx) || math.IsNaN(dy) || math.IsInf(dx, 0) || math.IsInf(dy, 0) {
		return ErrInvalidPan
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ready()
	if err != nil {
		return err
	}
	s.origin = s.origin.Add(r2.Point{X: dx / s.zoom, Y: dy / s.zoom})
	c.keepCenterInLevel(s)
	c.refresh(s)
	return nil
}

// Zoom multiplies the zoom by factor, keeping the scene point under anchor,
// a viewport position, in place.
func (c *Controller) Zoom(factor float64, anchor r2.Point) error {
	if !(factor > 0) || math.IsInf(factor, 0) {
		return ErrInvalidZoom
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ready()
	if err != nil {
		return err
	}
	c.zoomAt(s, s.zoom*factor, anchor)
	c.refresh(s)
	return nil
}

// ZoomCentered zooms around the middle of the viewport.
func (c *Controller) ZoomCentered(factor float64) error {
	c.mu.Lock()
	anchor := r2.Point{X: float64(c.width) / 2, Y: float64(c.height) / 2}
	c.mu.Unlock()

	return c.Zoom(factor, anchor)
}

func (c *Controller) ZoomIn() error {
	return c.ZoomCentered(ZoomStep)
}

func (c *Controller) ZoomOut() error {
	return c.ZoomCentered(1 / ZoomStep)
}

// Resize changes the viewport size, keeping the scene point at its centre
// and the zoom. Both edges must lie in [1, MaxViewportEdge].
func (c *Controller) Resize(width, height int) error {
	if !c.opts.validSize(width, height) {
		return ErrInvalidSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ready()
	if err != nil {
		return err
	}
	center := c.viewRect(s).Center()
	c.width, c.height = width, height
	c.centerOn(s, center)
	c.refresh(s)
	return nil
}

// ResetView returns to the level and fitted view shown right after opening.
func (c *Controller) ResetView() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ready()
	if err != nil {
		return err
	}
	s.level = pyramid.SelectLevel(s.levels, c.opts.TargetPixelBudget)
	c.fit(s)
	c.refresh(s)
	return nil
}

// View returns the current view state.
func (c *Controller) View() (ViewState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return ViewState{}, err
	}
	return c.viewState(s), nil
}

// VisibleTiles returns the keys of every tile intersecting the view.
func (c *Controller) VisibleTiles() ([]pyramid.TileKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.visibleTiles(s), nil
}

// Generation returns the generation of the current view.
func (c *Controller) Generation() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.current()
	if err != nil {
		return 0, err
	}
	return s.generation, nil
}

// refresh retires the previous view's pending work and requests the tiles
// of the new one. c.mu must be held.
func (c *Controller) refresh(s *session) {
	s.generation = s.sched.CancelGeneration(s.generation)
	queued := s.sched.RequestTiles(c.visibleTiles(s), s.generation)

	c.log.Debug("View changed",
		zap.String("session", s.id),
		zap.Uint64("generation", s.generation),
		zap.Int("level", s.level),
		zap.Float64("zoom", s.zoom),
		zap.Int("queued", queued),
	)
}

// fit zooms the current level to fit the viewport and centres it.
func (c *Controller) fit(s *session) {
	l := s.levels[s.level]
	zoom := min(float64(c.width)/float64(l.Width), float64(c.height)/float64(l.Height))
	s.zoom = c.clampZoom(zoom)
	c.centerOn(s, pyramid.LevelBounds(l).Center())
}

func (c *Controller) zoomAt(s *session, zoom float64, anchor r2.Point) {
	p := pyramid.ViewportPointToScene(anchor, c.transform(s))
	s.zoom = c.clampZoom(zoom)
	s.origin = p.Sub(anchor.Mul(1 / s.zoom))
	if c.opts.ReLevel {
		c.relevel(s, anchor)
	}
	c.keepCenterInLevel(s)
}

// relevel switches to the level best suited to the current scale once the
// zoom leaves the re-level band. The point under anchor stays put.
func (c *Controller) relevel(s *session, anchor r2.Point) {
	if s.zoom >= c.opts.ReLevelBelow && s.zoom <= c.opts.ReLevelAbove {
		return
	}
	cur := s.levels[s.level]
	next := pyramid.LevelForScale(s.levels, s.zoom/cur.Downsample)
	if next == s.level {
		return
	}

	// scene coordinates of the new level are the old ones times ratio
	ratio := cur.Downsample / s.levels[next].Downsample
	p := pyramid.ViewportPointToScene(anchor, c.transform(s)).Mul(ratio)
	s.level = next
	s.zoom = c.clampZoom(s.zoom / ratio)
	s.origin = p.Sub(anchor.Mul(1 / s.zoom))

	c.log.Debug("Switched level",
		zap.String("session", s.id),
		zap.Int("from", cur.Index),
		zap.Int("to", next),
		zap.Float64("zoom", s.zoom),
	)
}

func (c *Controller) keepCenterInLevel(s *session) {
	l := s.levels[s.level]
	center := c.viewRect(s).Center()
	clamped := r2.Point{
		X: min(max(center.X, 0), float64(l.Width)),
		Y: min(max(center.Y, 0), float64(l.Height)),
	}
	if clamped != center {
		c.centerOn(s, clamped)
	}
}

func (c *Controller) clampZoom(z float64) float64 {
	return min(max(z, c.opts.MinZoom), c.opts.MaxZoom)
}

func (c *Controller) centerOn(s *session, p r2.Point) {
	s.origin = r2.Point{
		X: p.X - float64(c.width)/(2*s.zoom),
		Y: p.Y - float64(c.height)/(2*s.zoom),
	}
}

func (c *Controller) transform(s *session) pyramid.Transform {
	return pyramid.Transform{Zoom: s.zoom, Origin: s.origin}
}

// viewRect is the visible rectangle in scene coordinates.
func (c *Controller) viewRect(s *session) r2.Rect {
	return pyramid.ViewportToScene(pyramid.Rect(0, 0, float64(c.width), float64(c.height)), c.transform(s))
}

func (c *Controller) viewState(s *session) ViewState {
	return ViewState{Level: s.level, Zoom: s.zoom, Viewport: c.viewRect(s)}
}

func (c *Controller) visibleTiles(s *session) []pyramid.TileKey {
	return pyramid.TileGridCovering(s.levels[s.level], c.viewRect(s), c.opts.TileSize)
}
