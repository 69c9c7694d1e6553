package http

import (
	"net/http"

	"github.com/golang/geo/r2"
)

func (h *Handlers) HandlePan(w http.ResponseWriter, r *http.Request) {
	var params panParams
	if err := decodeParams(&params, r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctrl.Pan(params.DX, params.DY); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w)
}

func (h *Handlers) HandleZoom(w http.ResponseWriter, r *http.Request) {
	var params zoomParams
	if err := decodeParams(&params, r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	if params.X != nil && params.Y != nil {
		err = h.ctrl.Zoom(params.Factor, r2.Point{X: *params.X, Y: *params.Y})
	} else {
		err = h.ctrl.ZoomCentered(params.Factor)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w)
}

func (h *Handlers) HandleResize(w http.ResponseWriter, r *http.Request) {
	var params resizeParams
	if err := decodeParams(&params, r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctrl.Resize(params.Width, params.Height); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w)
}
