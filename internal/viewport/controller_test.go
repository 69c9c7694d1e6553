package viewport

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"go.uber.org/zap/zaptest"

	"wsiview/internal/cache"
	"wsiview/internal/pyramid"
	"wsiview/internal/slide"
)

// scenarioSlide is 100000x80000 with downsamples 1, 4, 16, 64 and 256.
func scenarioSlide() *slide.Synthetic {
	return slide.NewSynthetic(100000, 80000, 1, 4, 16, 64, 256)
}

func opener(slides map[string]slide.Slide) slide.Opener {
	return func(path string) (slide.Slide, error) {
		s, ok := slides[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return s, nil
	}
}

func newController(t *testing.T, opts Options, slides map[string]slide.Slide) (*Controller, *cache.MemoryCache) {
	t.Helper()
	c, err := cache.NewMemoryCache(500)
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := New(opener(slides), c, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctrl.Shutdown)
	return ctrl, c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frameComplete(t *testing.T, ctrl *Controller) func() bool {
	return func() bool {
		f, err := ctrl.Frame()
		if err != nil {
			t.Fatal(err)
		}
		return f.Complete()
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestOpenSelectsLevelAndFitsViewport(t *testing.T) {
	ctrl, c := newController(t, DefaultOptions(), map[string]slide.Slide{"a": scenarioSlide()})

	var events atomic.Int32
	ctrl.OnTileReady(func(TileEvent) { events.Add(1) })

	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.State(); got != Ready {
		t.Fatalf("state = %v, want ready", got)
	}

	view, err := ctrl.View()
	if err != nil {
		t.Fatal(err)
	}
	if view.Level != 3 {
		t.Errorf("level = %d, want 3 (downsample 64)", view.Level)
	}
	// level 3 is 1563x1250, height bound in a 1024x768 viewport
	if !near(view.Zoom, 768.0/1250) {
		t.Errorf("zoom = %g, want %g", view.Zoom, 768.0/1250)
	}

	tiles, err := ctrl.VisibleTiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 12 {
		t.Errorf("visible tiles = %d, want 12", len(tiles))
	}
	if gen, _ := ctrl.Generation(); gen != 0 {
		t.Errorf("initial generation = %d, want 0", gen)
	}

	eventually(t, "initial tiles", frameComplete(t, ctrl))
	eventually(t, "tile events", func() bool { return events.Load() == 12 })
	if c.Len() != 12 {
		t.Errorf("cache holds %d tiles, want 12", c.Len())
	}

	f, err := ctrl.Frame()
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range f.Tiles {
		if pt.Key == (pyramid.TileKey{Level: 3}) {
			if !near(pt.Dest.Y.Lo, 0) || pt.Dest.X.Lo <= 0 {
				t.Errorf("first tile placed at %v", pt.Dest)
			}
		}
	}
}

func TestOperationsRequireReady(t *testing.T) {
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{})

	checks := map[string]error{
		"pan":    ctrl.Pan(10, 10),
		"zoom":   ctrl.Zoom(2, r2.Point{}),
		"in":     ctrl.ZoomIn(),
		"out":    ctrl.ZoomOut(),
		"resize": ctrl.Resize(100, 100),
		"reset":  ctrl.ResetView(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("%s: got %v, want ErrNotReady", name, err)
		}
	}
	if _, err := ctrl.View(); !errors.Is(err, ErrNotReady) {
		t.Errorf("view: got %v, want ErrNotReady", err)
	}
	if st := ctrl.Status(); st.State != "empty" || st.ViewportWidth != 1024 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestOpenFailureKeepsPreviousSlide(t *testing.T) {
	bad := slide.NewSynthetic(100, 100, 2)
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{
		"a":   scenarioSlide(),
		"bad": bad,
	})

	if err := ctrl.Open("missing"); err == nil {
		t.Fatal("expected error opening a missing slide")
	}
	if ctrl.State() != Empty {
		t.Errorf("state after failed first open = %v, want empty", ctrl.State())
	}

	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	before, _ := ctrl.View()

	err := ctrl.Open("missing")
	var oe *slide.OpenError
	if !errors.As(err, &oe) || oe.Path != "missing" {
		t.Fatalf("got %v, want OpenError for missing", err)
	}

	err = ctrl.Open("bad")
	if !errors.As(err, &oe) || oe.Path != "bad" {
		t.Fatalf("got %v, want OpenError for invalid pyramid", err)
	}
	if _, err := bad.ReadRegion(context.Background(), 0, 0, 0, 1, 1); err == nil {
		t.Error("rejected slide was not closed")
	}

	if ctrl.State() != Ready || ctrl.Status().Path != "a" {
		t.Errorf("state %v path %q, want ready on a", ctrl.State(), ctrl.Status().Path)
	}
	after, _ := ctrl.View()
	if after.Level != before.Level || after.Zoom != before.Zoom || after.Viewport != before.Viewport {
		t.Errorf("view changed from %+v to %+v", before, after)
	}
}

func TestZoomIsClamped(t *testing.T) {
	opts := DefaultOptions()
	opts.ReLevel = false
	ctrl, _ := newController(t, opts, map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}

	if err := ctrl.ZoomCentered(1e6); err != nil {
		t.Fatal(err)
	}
	if v, _ := ctrl.View(); v.Zoom != 10 {
		t.Errorf("zoom = %g, want 10", v.Zoom)
	}
	if err := ctrl.ZoomCentered(1e-9); err != nil {
		t.Fatal(err)
	}
	if v, _ := ctrl.View(); v.Zoom != 0.01 {
		t.Errorf("zoom = %g, want 0.01", v.Zoom)
	}

	for _, f := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := ctrl.ZoomCentered(f); !errors.Is(err, ErrInvalidZoom) {
			t.Errorf("factor %g: got %v, want ErrInvalidZoom", f, err)
		}
	}
}

func TestZoomKeepsAnchorInPlace(t *testing.T) {
	opts := DefaultOptions()
	opts.ReLevel = false
	ctrl, _ := newController(t, opts, map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}

	anchor := r2.Point{X: 300, Y: 200}
	sceneAt := func() r2.Point {
		v, err := ctrl.View()
		if err != nil {
			t.Fatal(err)
		}
		return pyramid.ViewportPointToScene(anchor, pyramid.Transform{Zoom: v.Zoom, Origin: v.Viewport.Lo()})
	}

	before := sceneAt()
	if err := ctrl.Zoom(2, anchor); err != nil {
		t.Fatal(err)
	}
	after := sceneAt()
	if !near(before.X, after.X) || !near(before.Y, after.Y) {
		t.Errorf("anchor moved from %v to %v", before, after)
	}
}

func TestZoomSwitchesLevel(t *testing.T) {
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	start := ctrl.Status()

	if err := ctrl.ZoomCentered(4); err != nil {
		t.Fatal(err)
	}
	st := ctrl.Status()
	if st.Level != 2 {
		t.Fatalf("level after zooming in = %d, want 2", st.Level)
	}
	if !near(st.Zoom, 768.0/1250) {
		t.Errorf("zoom on new level = %g, want %g", st.Zoom, 768.0/1250)
	}
	if !near(st.ZoomPercent, start.ZoomPercent*4) {
		t.Errorf("effective zoom %g%%, want %g%%", st.ZoomPercent, start.ZoomPercent*4)
	}
	startCenter := r2.Point{X: start.Level0.X + start.Level0.Width/2, Y: start.Level0.Y + start.Level0.Height/2}
	center := r2.Point{X: st.Level0.X + st.Level0.Width/2, Y: st.Level0.Y + st.Level0.Height/2}
	if math.Abs(center.X-startCenter.X) > 1e-3 || math.Abs(center.Y-startCenter.Y) > 1e-3 {
		t.Errorf("level-0 centre moved from %v to %v", startCenter, center)
	}

	tiles, _ := ctrl.VisibleTiles()
	for _, k := range tiles {
		if k.Level != 2 {
			t.Fatalf("visible tile %v not on level 2", k)
		}
	}

	if err := ctrl.ZoomCentered(0.25); err != nil {
		t.Fatal(err)
	}
	if st := ctrl.Status(); st.Level != 3 {
		t.Errorf("level after zooming back out = %d, want 3", st.Level)
	}
}

func TestZoomStepsAndReset(t *testing.T) {
	opts := DefaultOptions()
	opts.ReLevel = false
	ctrl, _ := newController(t, opts, map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	initial, _ := ctrl.View()

	if err := ctrl.ZoomIn(); err != nil {
		t.Fatal(err)
	}
	if v, _ := ctrl.View(); !near(v.Zoom, initial.Zoom*1.2) {
		t.Errorf("zoom in: %g, want %g", v.Zoom, initial.Zoom*1.2)
	}
	if err := ctrl.ZoomOut(); err != nil {
		t.Fatal(err)
	}
	if v, _ := ctrl.View(); !near(v.Zoom, initial.Zoom) {
		t.Errorf("zoom out: %g, want %g", v.Zoom, initial.Zoom)
	}

	if err := ctrl.Pan(250, -40); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.ZoomCentered(3); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.ResetView(); err != nil {
		t.Fatal(err)
	}
	v, _ := ctrl.View()
	if v.Level != initial.Level || !near(v.Zoom, initial.Zoom) ||
		!near(v.Viewport.X.Lo, initial.Viewport.X.Lo) || !near(v.Viewport.Y.Lo, initial.Viewport.Y.Lo) {
		t.Errorf("reset view %+v, want %+v", v, initial)
	}
}

func TestPanBumpsGenerationAndStaysOnLevel(t *testing.T) {
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	before, _ := ctrl.View()

	if err := ctrl.Pan(100, 0); err != nil {
		t.Fatal(err)
	}
	after, _ := ctrl.View()
	if !near(after.Viewport.X.Lo-before.Viewport.X.Lo, 100/before.Zoom) {
		t.Errorf("pan moved view by %g scene px, want %g", after.Viewport.X.Lo-before.Viewport.X.Lo, 100/before.Zoom)
	}
	if gen, _ := ctrl.Generation(); gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}

	if err := ctrl.Pan(1e9, 1e9); err != nil {
		t.Fatal(err)
	}
	v, _ := ctrl.View()
	c := v.Viewport.Center()
	if !near(c.X, 1563) || !near(c.Y, 1250) {
		t.Errorf("centre after huge pan = %v, want level corner (1563, 1250)", c)
	}

	if err := ctrl.Pan(math.NaN(), 0); !errors.Is(err, ErrInvalidPan) {
		t.Errorf("got %v, want ErrInvalidPan", err)
	}
}

func TestResizeKeepsCenterAndZoom(t *testing.T) {
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	before, _ := ctrl.View()

	if err := ctrl.Resize(500, 400); err != nil {
		t.Fatal(err)
	}
	after, _ := ctrl.View()
	if after.Zoom != before.Zoom {
		t.Errorf("zoom changed from %g to %g", before.Zoom, after.Zoom)
	}
	bc, ac := before.Viewport.Center(), after.Viewport.Center()
	if !near(bc.X, ac.X) || !near(bc.Y, ac.Y) {
		t.Errorf("centre moved from %v to %v", bc, ac)
	}
	if !near(after.Viewport.X.Length(), 500/after.Zoom) {
		t.Errorf("visible width %g, want %g", after.Viewport.X.Length(), 500/after.Zoom)
	}

	for _, size := range [][2]int{{0, 10}, {10, 0}, {8193, 10}, {10, 8193}, {1 << 20, 1 << 20}} {
		if err := ctrl.Resize(size[0], size[1]); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Resize(%d, %d) = %v, want ErrInvalidSize", size[0], size[1], err)
		}
	}
	if st := ctrl.Status(); st.ViewportWidth != 500 || st.ViewportHeight != 400 {
		t.Errorf("rejected resize changed the viewport to %dx%d", st.ViewportWidth, st.ViewportHeight)
	}
	if err := ctrl.Resize(8192, 8192); err != nil {
		t.Errorf("Resize at the edge limit: %v", err)
	}
}

func TestStaleTilesAreCachedButNotAnnounced(t *testing.T) {
	sl := scenarioSlide()
	started := make(chan struct{}, 64)
	release := make(chan struct{})
	sl.ReadHook = func(ctx context.Context, level, x, y, w, h int) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	ctrl, c := newController(t, opts, map[string]slide.Slide{"a": sl})

	var mu sync.Mutex
	var announced []TileEvent
	ctrl.OnTileReady(func(ev TileEvent) {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, ev)
	})

	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	<-started

	// moves tile column 0 out of view while its first tile is decoding
	if err := ctrl.Pan(2000, 0); err != nil {
		t.Fatal(err)
	}
	tiles, _ := ctrl.VisibleTiles()
	for _, k := range tiles {
		if k.TileX == 0 {
			t.Fatalf("column 0 still visible: %v", tiles)
		}
	}
	close(release)

	eventually(t, "panned view", frameComplete(t, ctrl))
	first := pyramid.TileKey{Level: 3}
	eventually(t, "stale tile cached", func() bool { return c.Contains(first) })

	mu.Lock()
	defer mu.Unlock()
	if len(announced) != len(tiles) {
		t.Errorf("announced %d tiles, want %d", len(announced), len(tiles))
	}
	for _, ev := range announced {
		if ev.Key == first || ev.Generation != 1 {
			t.Errorf("unexpected announcement %v gen %d", ev.Key, ev.Generation)
		}
	}
}

func TestReplacingSlideClearsCache(t *testing.T) {
	b := slide.NewSynthetic(2048, 2048, 1, 4)
	b.ReadHook = func(ctx context.Context, level, x, y, w, h int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	a := scenarioSlide()
	ctrl, c := newController(t, DefaultOptions(), map[string]slide.Slide{"a": a, "b": b})

	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first slide tiles", frameComplete(t, ctrl))
	first := ctrl.Status().SessionID

	if err := ctrl.Open("b"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d tiles of the previous slide", c.Len())
	}
	st := ctrl.Status()
	if st.Path != "b" || st.SessionID == first {
		t.Errorf("status after replace: %+v", st)
	}
	if _, err := a.ReadRegion(context.Background(), 0, 0, 0, 1, 1); err == nil {
		t.Error("previous slide was not released")
	}
}

func TestDecodesAreSerializedForUnsafeSlides(t *testing.T) {
	sl := slide.NewSynthetic(2048, 2048, 1)
	var active, peak atomic.Int32
	sl.ReadHook = func(ctx context.Context, level, x, y, w, h int) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 4
	opts.TileSize = 256
	ctrl, _ := newController(t, opts, map[string]slide.Slide{"a": sl})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "tiles", frameComplete(t, ctrl))

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent reads = %d, want 1", p)
	}
}

func TestCloseAndShutdown(t *testing.T) {
	ctrl, c := newController(t, DefaultOptions(), map[string]slide.Slide{
		"a": scenarioSlide(),
		"b": scenarioSlide(),
	})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if ctrl.State() != Empty {
		t.Errorf("state after close = %v", ctrl.State())
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d tiles after close", c.Len())
	}
	if err := ctrl.Pan(1, 1); !errors.Is(err, ErrNotReady) {
		t.Errorf("pan after close: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if err := ctrl.Open("b"); err != nil {
		t.Fatal(err)
	}
	ctrl.Shutdown()
	if ctrl.State() != Empty {
		t.Errorf("state after shutdown = %v", ctrl.State())
	}
	if err := ctrl.Open("a"); !errors.Is(err, ErrClosing) {
		t.Errorf("open after shutdown: got %v, want ErrClosing", err)
	}
}

func TestConcurrentOpenIsBusy(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	slides := map[string]slide.Slide{"a": scenarioSlide()}
	open := func(path string) (slide.Slide, error) {
		if path == "slow" {
			close(entered)
			<-gate
			return slide.NewSynthetic(1000, 1000, 1), nil
		}
		return opener(slides)(path)
	}

	c, _ := cache.NewMemoryCache(100)
	ctrl, err := New(open, c, DefaultOptions(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctrl.Shutdown)

	done := make(chan error, 1)
	go func() { done <- ctrl.Open("slow") }()
	<-entered

	if ctrl.State() != Loading {
		t.Errorf("state = %v, want loading", ctrl.State())
	}
	if err := ctrl.Open("a"); !errors.Is(err, ErrBusy) {
		t.Errorf("second open: got %v, want ErrBusy", err)
	}
	if err := ctrl.Close(); !errors.Is(err, ErrBusy) {
		t.Errorf("close while loading: got %v, want ErrBusy", err)
	}
	if err := ctrl.ZoomIn(); !errors.Is(err, ErrNotReady) {
		t.Errorf("zoom while loading: got %v, want ErrNotReady", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if ctrl.State() != Ready || ctrl.Status().Path != "slow" {
		t.Errorf("state %v path %q after slow open", ctrl.State(), ctrl.Status().Path)
	}
}

func TestThumbnailOverlay(t *testing.T) {
	opts := DefaultOptions()
	opts.ReLevel = false
	opts.MaxZoom = 1000
	ctrl, _ := newController(t, opts, map[string]slide.Slide{"a": scenarioSlide()})
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}

	w, h, err := ctrl.ThumbnailSize()
	if err != nil {
		t.Fatal(err)
	}
	if w != 190 || h != 152 {
		t.Fatalf("thumbnail %dx%d, want 190x152", w, h)
	}

	// the fitted view shows the whole slide
	box, _ := ctrl.ThumbnailOverlay()
	if !near(box.X.Lo, 0) || !near(box.Y.Lo, 0) || !near(box.Y.Hi, 152) || box.X.Hi < 189.9 {
		t.Errorf("fitted overlay %v, want the whole thumbnail", box)
	}

	if err := ctrl.ZoomCentered(1000); err != nil {
		t.Fatal(err)
	}
	box, _ = ctrl.ThumbnailOverlay()
	if box.X.Length() < 5-1e-9 || box.Y.Length() < 5-1e-9 {
		t.Errorf("overlay %v thinner than the minimum edge", box)
	}
	if !pyramid.Rect(0, 0, 190, 152).Contains(box) {
		t.Errorf("overlay %v leaves the thumbnail", box)
	}
}

func TestStatusAndMetadata(t *testing.T) {
	ctrl, _ := newController(t, DefaultOptions(), map[string]slide.Slide{"a": scenarioSlide()})
	if got := ctrl.Status().Text(); !strings.HasPrefix(got, "Ready") {
		t.Errorf("empty status text %q", got)
	}
	if err := ctrl.Open("a"); err != nil {
		t.Fatal(err)
	}

	st := ctrl.Status()
	if st.State != "ready" || st.Width != 100000 || len(st.Levels) != 5 || st.VisibleTiles != 12 {
		t.Errorf("unexpected status %+v", st)
	}
	if !near(st.ZoomPercent, 768.0/1250/64*100) {
		t.Errorf("zoom percent %g", st.ZoomPercent)
	}
	if !strings.HasPrefix(st.Text(), "Level: 3 | Downsample: 64.00x | Zoom: 1.0% | Position: (") {
		t.Errorf("status text %q", st.Text())
	}

	md, err := ctrl.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if md.Path != "a" || md.LevelCount != 5 {
		t.Errorf("metadata %+v", md)
	}

	src, err := ctrl.Source()
	if err != nil {
		t.Fatal(err)
	}
	if src.SessionID != st.SessionID || len(src.Levels) != 5 {
		t.Errorf("source %+v", src)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	c, _ := cache.NewMemoryCache(1)
	opts := DefaultOptions()
	opts.MinZoom = 0
	if _, err := New(opener(nil), c, opts, nil); err == nil {
		t.Error("expected error for zero minimum zoom")
	}
	opts = DefaultOptions()
	opts.TileSize = 0
	if _, err := New(opener(nil), c, opts, nil); err == nil {
		t.Error("expected error for zero tile size")
	}
	opts = DefaultOptions()
	opts.ViewportWidth = opts.MaxViewportEdge + 1
	if _, err := New(opener(nil), c, opts, nil); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("oversized initial viewport: got %v, want ErrInvalidSize", err)
	}
}
