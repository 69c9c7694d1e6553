package pyramid

import (
	"fmt"
	"image"
)

// TileKey identifies a decoded tile within a slide's pyramid.
type TileKey struct {
	Level int `json:"level"`
	TileX int `json:"x"`
	TileY int `json:"y"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.TileX, k.TileY)
}

// TileBounds returns the level-local pixel bounds of a tile, clipped to
// the level. Edge tiles may be smaller than tileEdge.
func TileBounds(key TileKey, level LevelDescriptor, tileEdge int) image.Rectangle {
	r := image.Rect(
		key.TileX*tileEdge,
		key.TileY*tileEdge,
		(key.TileX+1)*tileEdge,
		(key.TileY+1)*tileEdge,
	)
	return r.Intersect(image.Rect(0, 0, level.Width, level.Height))
}

// GridSize returns the number of tile columns and rows needed to cover a level.
func GridSize(level LevelDescriptor, tileEdge int) (cols, rows int) {
	if tileEdge <= 0 {
		return 0, 0
	}
	return ceilDiv(level.Width, tileEdge), ceilDiv(level.Height, tileEdge)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
