// Package viewport drives what is shown of the open slide. A Controller
// owns the single open slide, its view state and the tile scheduler feeding
// the shared tile cache. View operations never block on decoding: they
// retarget the scheduler and return, and tiles arrive later through
// OnTileReady listeners.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wsiview/internal/cache"
	"wsiview/internal/pyramid"
	"wsiview/internal/scheduler"
	"wsiview/internal/slide"
)

// TileEvent announces a tile of the current view that is now cached.
type TileEvent struct {
	SessionID  string          `json:"session_id"`
	Key        pyramid.TileKey `json:"tile"`
	Generation uint64          `json:"generation"`
	Pixels     image.Image     `json:"-"`
}

type session struct {
	id     string
	path   string
	slide  slide.Slide
	levels []pyramid.LevelDescriptor
	sched  *scheduler.Scheduler

	level      int
	zoom       float64
	origin     r2.Point
	generation uint64
}

type Controller struct {
	opts  Options
	open  slide.Opener
	cache cache.Cache
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	shutdown  bool
	loading   chan struct{}
	session   *session
	width     int
	height    int
	listeners map[int]func(TileEvent)
	nextID    int
}

// New returns an Empty controller that opens slides with open and keeps
// decoded tiles in c.
func New(open slide.Opener, c cache.Cache, opts Options, log *zap.Logger) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		opts:      opts,
		open:      open,
		cache:     c,
		log:       log,
		width:     opts.ViewportWidth,
		height:    opts.ViewportHeight,
		listeners: make(map[int]func(TileEvent)),
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Open replaces the displayed slide with the one at path. The initial level
// is chosen for the configured pixel budget and fitted to the viewport.
// If the slide cannot be opened the previous slide, if any, stays displayed
// and a *slide.OpenError is returned.
func (c *Controller) Open(path string) error {
	c.mu.Lock()
	switch {
	case c.shutdown || c.state == Closing:
		c.mu.Unlock()
		return ErrClosing
	case c.state == Loading:
		c.mu.Unlock()
		return ErrBusy
	}
	prev := c.state
	c.state = Loading
	loading := make(chan struct{})
	c.loading = loading
	c.mu.Unlock()
	defer close(loading)

	sl, err := c.openSlide(path)

	c.mu.Lock()
	if err == nil && c.shutdown {
		sl.Close()
		err = ErrClosing
	}
	if err != nil {
		c.state = prev
		c.mu.Unlock()
		c.log.Warn("Failed to open slide", zap.String("path", path), zap.Error(err))
		return err
	}

	old := c.session
	if old != nil {
		old.sched.Close()
	}
	c.cache.Clear()
	c.session = c.startSession(path, sl)
	c.state = Ready
	c.mu.Unlock()

	if old != nil {
		c.release(old)
	}
	return nil
}

func (c *Controller) openSlide(path string) (slide.Slide, error) {
	sl, err := c.open(path)
	if err != nil {
		var oe *slide.OpenError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, &slide.OpenError{Path: path, Err: err}
	}
	if err := pyramid.ValidateLevels(sl.Levels()); err != nil {
		sl.Close()
		return nil, &slide.OpenError{Path: path, Err: err}
	}
	return slide.Serialize(sl), nil
}

// startSession must be called with c.mu held.
func (c *Controller) startSession(path string, sl slide.Slide) *session {
	levels := sl.Levels()
	s := &session{
		id:     uuid.New().String(),
		path:   path,
		slide:  sl,
		levels: levels,
		level:  pyramid.SelectLevel(levels, c.opts.TargetPixelBudget),
	}
	log := c.log.With(zap.String("session", s.id))
	s.sched = scheduler.New(c.cache, decoder(sl, levels, c.opts.TileSize), scheduler.Options{
		MaxConcurrent: c.opts.MaxConcurrent,
		DecodeRate:    c.opts.DecodeRate,
	}, log)

	c.fit(s)
	queued := s.sched.RequestTiles(c.visibleTiles(s), s.generation)
	go c.pump(s)

	w, h := sl.Dimensions()
	log.Info("Slide opened",
		zap.String("path", path),
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("levels", len(levels)),
		zap.Int("level", s.level),
		zap.Float64("zoom", s.zoom),
		zap.Int("queued", queued),
	)
	return s
}

func decoder(sl slide.Slide, levels []pyramid.LevelDescriptor, tileSize int) scheduler.DecodeFunc {
	return func(ctx context.Context, key pyramid.TileKey) (*cache.Entry, error) {
		if key.Level < 0 || key.Level >= len(levels) {
			return nil, fmt.Errorf("level %d out of range", key.Level)
		}
		r := pyramid.TileBounds(key, levels[key.Level], tileSize)
		if r.Empty() {
			return nil, fmt.Errorf("tile %s lies outside its level", key)
		}
		img, err := sl.ReadRegion(ctx, key.Level, r.Min.X, r.Min.Y, r.Dx(), r.Dy())
		if err != nil {
			return nil, err
		}
		return cache.NewEntry(key, img), nil
	}
}

// pump forwards completions of the current view to the listeners until
// the session's scheduler shuts down.
func (c *Controller) pump(s *session) {
	for res := range s.sched.Results() {
		if res.Err != nil || res.Entry == nil {
			continue
		}

		c.mu.Lock()
		current := c.session == s && res.Generation == s.generation
		listeners := slices.Collect(maps.Values(c.listeners))
		c.mu.Unlock()
		if !current {
			continue
		}

		ev := TileEvent{
			SessionID:  s.id,
			Key:        res.Key,
			Generation: res.Generation,
			Pixels:     res.Entry.Pixels,
		}
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// OnTileReady registers fn to be called, from a background goroutine, for
// every tile of the current view that finishes decoding. The returned
// function unregisters it.
func (c *Controller) OnTileReady(fn func(TileEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Close releases the displayed slide and its cached tiles.
func (c *Controller) Close() error {
	c.mu.Lock()
	switch c.state {
	case Loading:
		c.mu.Unlock()
		return ErrBusy
	case Empty, Closing:
		c.mu.Unlock()
		return nil
	}
	s := c.beginClose()
	c.mu.Unlock()

	c.finishClose(s)
	return nil
}

// Shutdown closes the controller for good: it waits for a pending open,
// releases the slide and makes further opens fail with ErrClosing.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	var loading chan struct{}
	if c.state == Loading {
		loading = c.loading
	}
	c.mu.Unlock()

	if loading != nil {
		<-loading
	}

	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return
	}
	s := c.beginClose()
	c.mu.Unlock()

	c.finishClose(s)
}

// beginClose must be called with c.mu held and a session present.
func (c *Controller) beginClose() *session {
	c.state = Closing
	s := c.session
	c.session = nil
	s.sched.Close()
	c.cache.Clear()
	return s
}

func (c *Controller) finishClose(s *session) {
	c.release(s)

	c.mu.Lock()
	c.state = Empty
	c.mu.Unlock()
}

func (c *Controller) release(s *session) {
	s.sched.Wait()
	if err := s.slide.Close(); err != nil {
		c.log.Warn("Failed to close slide", zap.String("path", s.path), zap.Error(err))
	}
	c.log.Info("Slide closed", zap.String("path", s.path), zap.String("session", s.id))
}

// ready returns the session for view mutations. c.mu must be held.
func (c *Controller) ready() (*session, error) {
	switch c.state {
	case Ready:
		return c.session, nil
	case Closing:
		return nil, ErrClosing
	default:
		return nil, ErrNotReady
	}
}

// current returns the session for read-only queries. c.mu must be held.
func (c *Controller) current() (*session, error) {
	if c.session == nil {
		if c.state == Closing {
			return nil, ErrClosing
		}
		return nil, ErrNotReady
	}
	return c.session, nil
}
