package http

import (
	"fmt"
	"net/http"

	"github.com/gorilla/schema"
)

var decoder = newDecoder()

func newDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

type panParams struct {
	DX float64 `schema:"dx"`
	DY float64 `schema:"dy"`
}

// zoomParams anchors the zoom at viewport position (x, y); without both the
// viewport centre is used.
type zoomParams struct {
	Factor float64  `schema:"factor,required"`
	X      *float64 `schema:"x"`
	Y      *float64 `schema:"y"`
}

type resizeParams struct {
	Width  int `schema:"w,required"`
	Height int `schema:"h,required"`
}

type exportParams struct {
	Format string `schema:"format"`
}

func decodeParams(dst any, r *http.Request) error {
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
