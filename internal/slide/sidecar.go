package slide

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"wsiview/internal/pyramid"
)

const SidecarExt = ".json"

// Sidecar carries catalogue information about a slide in a JSON file
// stored next to it: case.tiff -> case.tiff.json. Properties are merged into
// the slide's own properties when it is opened.
type Sidecar struct {
	ID          string                    `json:"id"`
	Width       int                       `json:"width"`
	Height      int                       `json:"height"`
	Bytes       int64                     `json:"bytes"`
	Levels      []pyramid.LevelDescriptor `json:"levels,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]string         `json:"properties,omitempty"`
}

// SidecarPath returns the sidecar location for a slide file.
func SidecarPath(slidePath string) string {
	return slidePath + SidecarExt
}

// SlidePathForSidecar is the inverse of SidecarPath.
func SlidePathForSidecar(sidecarPath string) string {
	return strings.TrimSuffix(sidecarPath, SidecarExt)
}

// LoadSidecar reads the sidecar of slidePath. A missing sidecar is not an
// error and yields nil.
func LoadSidecar(slidePath string) (*Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(slidePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	return &sc, nil
}

// SaveSidecar writes sc next to slidePath.
func SaveSidecar(slidePath string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}

	if err := os.WriteFile(SidecarPath(slidePath), data, 0644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}
