package cache

import (
	"errors"
	"image"

	"wsiview/internal/pyramid"
)

// ErrCapacityMisconfigured is returned when a cache is built with a
// capacity below one entry.
var ErrCapacityMisconfigured = errors.New("cache capacity must be at least 1")

// Entry is a decoded tile. Entries are never mutated after insertion.
type Entry struct {
	Key       pyramid.TileKey
	Pixels    image.Image
	SizeBytes int
}

// NewEntry wraps decoded pixels, estimating their size as 4 bytes per pixel.
func NewEntry(key pyramid.TileKey, pixels image.Image) *Entry {
	b := pixels.Bounds()
	return &Entry{
		Key:       key,
		Pixels:    pixels,
		SizeBytes: b.Dx() * b.Dy() * 4,
	}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache stores decoded tiles. Implementations are safe for concurrent use.
type Cache interface {
	Get(key pyramid.TileKey) (*Entry, bool)
	Put(key pyramid.TileKey, entry *Entry)
	Contains(key pyramid.TileKey) bool // Check presence without touching recency
	Clear()
	Len() int
	Stats() Stats
}
