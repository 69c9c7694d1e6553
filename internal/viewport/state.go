package viewport

import (
	"errors"

	"github.com/golang/geo/r2"
)

// State is the lifecycle stage of a Controller.
type State int

const (
	Empty State = iota
	Loading
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady is returned by view operations when no slide is displayed.
	// The controller state is left unchanged.
	ErrNotReady = errors.New("no slide is ready")
	// ErrBusy is returned when a slide open is already in progress.
	ErrBusy = errors.New("a slide is being opened")
	// ErrClosing is returned once teardown has started.
	ErrClosing = errors.New("viewer is closing")

	ErrInvalidSize = errors.New("viewport size out of range")
	ErrInvalidZoom = errors.New("zoom factor must be positive and finite")
	ErrInvalidPan  = errors.New("pan offset must be finite")
)

// ViewState is the displayed level, the zoom relative to that level's
// native resolution and the visible rectangle in scene coordinates.
type ViewState struct {
	Level    int     `json:"level"`
	Zoom     float64 `json:"zoom"`
	Viewport r2.Rect `json:"-"`
}
