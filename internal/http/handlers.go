package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsiview/internal/config"
	"wsiview/internal/library"
	"wsiview/internal/pyramid"
	"wsiview/internal/render"
	"wsiview/internal/slide"
	"wsiview/internal/viewport"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	library  *library.Scanner
	ctrl     *viewport.Controller
	renderer *render.Renderer
	upgrader websocket.Upgrader
}

func New(config *config.Config, logger *zap.Logger, library *library.Scanner, ctrl *viewport.Controller, renderer *render.Renderer) *Handlers {
	h := &Handlers{
		config:   config,
		logger:   logger,
		library:  library,
		ctrl:     ctrl,
		renderer: renderer,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.allowedOrigin(r) != ""
		},
	}
	return h
}

// Router wires every route behind the CORS and request logging middleware.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.CORSMiddleware, h.RequestLoggingMiddleware)

	r.Get("/healthz", h.HandleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/slides", h.HandleSlides)
		r.Post("/slides/rescan", h.HandleRescan)
		r.Post("/slides/{id}/open", h.HandleOpen)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.HandleSession)
			r.Delete("/", h.HandleClose)
			r.Post("/pan", h.HandlePan)
			r.Post("/zoom", h.HandleZoom)
			r.Post("/zoom/in", h.viewAction(h.ctrl.ZoomIn))
			r.Post("/zoom/out", h.viewAction(h.ctrl.ZoomOut))
			r.Post("/reset", h.viewAction(h.ctrl.ResetView))
			r.Post("/resize", h.HandleResize)
			r.Get("/tiles", h.HandleTiles)
			r.Get("/frame.jpg", h.HandleFrame)
			r.Get("/thumbnail.png", h.HandleThumbnail)
			r.Get("/metadata", h.HandleMetadata)
			r.Get("/metadata.txt", h.HandleMetadataText)
			r.Get("/export", h.HandleExport)
			r.Get("/events", h.HandleEvents)
		})
	})
	return r
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowedOrigin := h.allowedOrigin(r); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, Content-Disposition")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the value of Access-Control-Allow-Origin for r, or
// "" when the origin is not allowed.
func (h *Handlers) allowedOrigin(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if h.config.AllowedOrigin != "" {
		if origin == "" || origin == h.config.AllowedOrigin {
			return h.config.AllowedOrigin
		}
		return ""
	}

	switch {
	case origin == "":
		return "*"
	case origin == "http://"+r.Host || origin == "https://"+r.Host:
		return origin
	default:
		return ""
	}
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleSlides(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.library.GetSlides())
}

func (h *Handlers) HandleRescan(w http.ResponseWriter, r *http.Request) {
	if err := h.library.Scan(); err != nil {
		h.logger.Error("Rescan failed", zap.Error(err))
		http.Error(w, "Failed to scan data directory", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, h.library.GetSlides())
}

func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := h.library.GetSlidePathByID(id)
	if path == "" {
		http.Error(w, "Slide not found", http.StatusNotFound)
		return
	}

	if err := h.ctrl.Open(path); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w)
}

func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	h.writeSession(w)
}

func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Close(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewAction adapts a parameterless view operation to a handler.
func (h *Handlers) viewAction(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeSession(w)
	}
}

type sessionResponse struct {
	viewport.Status
	StatusLine string `json:"status_line"`
}

func (h *Handlers) writeSession(w http.ResponseWriter) {
	st := h.ctrl.Status()
	h.writeJSON(w, http.StatusOK, sessionResponse{Status: st, StatusLine: st.Text()})
}

type tileResponse struct {
	pyramid.TileKey
	Cached bool `json:"cached"`
}

func (h *Handlers) HandleTiles(w http.ResponseWriter, r *http.Request) {
	f, err := h.ctrl.Frame()
	if err != nil {
		h.writeError(w, err)
		return
	}

	tiles := make([]tileResponse, 0, len(f.Tiles)+len(f.Missing))
	for _, t := range f.Tiles {
		tiles = append(tiles, tileResponse{TileKey: t.Key, Cached: true})
	}
	for _, k := range f.Missing {
		tiles = append(tiles, tileResponse{TileKey: k})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": f.SessionID,
		"generation": f.Generation,
		"tiles":      tiles,
	})
}

func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	result, err := h.renderer.RenderFrame()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, result, "no-cache")
}

func (h *Handlers) HandleThumbnail(w http.ResponseWriter, r *http.Request) {
	result, err := h.renderer.RenderThumbnail(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, result, "no-cache")
}

func (h *Handlers) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.ctrl.Metadata()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, md)
}

func (h *Handlers) HandleMetadataText(w http.ResponseWriter, r *http.Request) {
	md, err := h.ctrl.Metadata()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(md.Text(time.Now())))
}

func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	var params exportParams
	if err := decodeParams(&params, r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format, err := render.ParseFormat(params.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.renderer.Export(r.Context(), format, render.ExportOptions{
		PixelBudget: h.config.ExportPixelBudget,
		TileSize:    h.config.TileSize,
		Concurrency: h.config.MaxDecodes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Name))
	h.writeImage(w, r, result, "no-store")
}

func (h *Handlers) writeImage(w http.ResponseWriter, r *http.Request, result *render.Result, cacheControl string) {
	if result.ETag != "" {
		etag := `"` + result.ETag + `"`
		w.Header().Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", result.Size))
	w.Write(result.Data)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// writeError maps viewer errors to status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var openErr *slide.OpenError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &openErr), errors.Is(err, render.ErrExportTooLarge):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, viewport.ErrNotReady), errors.Is(err, viewport.ErrBusy), errors.Is(err, viewport.ErrClosing):
		status = http.StatusConflict
	case errors.Is(err, viewport.ErrInvalidSize), errors.Is(err, viewport.ErrInvalidZoom), errors.Is(err, viewport.ErrInvalidPan):
		status = http.StatusBadRequest
	default:
		h.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Hijack lets the event stream upgrade through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
