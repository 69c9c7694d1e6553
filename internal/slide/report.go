package slide

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"wsiview/internal/pyramid"
)

const unknown = "Unknown"

type LevelInfo struct {
	pyramid.LevelDescriptor
	// MicronsPerPixelX/Y are zero when the slide carries no pixel size.
	MicronsPerPixelX float64 `json:"mpp_x,omitempty"`
	MicronsPerPixelY float64 `json:"mpp_y,omitempty"`
}

type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type VendorGroup struct {
	Vendor     string     `json:"vendor"`
	Properties []Property `json:"properties"`
}

type AssociatedInfo struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Metadata is the introspection view of an open slide.
type Metadata struct {
	Path       string           `json:"path"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	LevelCount int              `json:"level_count"`
	MppX       string           `json:"mpp_x"`
	MppY       string           `json:"mpp_y"`
	Levels     []LevelInfo      `json:"levels"`
	Vendors    []VendorGroup    `json:"vendors"`
	Associated []AssociatedInfo `json:"associated_images"`
}

// Describe collects the metadata of s. Properties are grouped by the
// prefix before their first dot; keys without a dot go to "Other".
func Describe(path string, s Slide) Metadata {
	w, h := s.Dimensions()
	props := s.Properties()
	levels := s.Levels()

	m := Metadata{
		Path:       path,
		Width:      w,
		Height:     h,
		LevelCount: len(levels),
		MppX:       propOr(props, "openslide.mpp-x", unknown),
		MppY:       propOr(props, "openslide.mpp-y", unknown),
	}

	mppX, errX := strconv.ParseFloat(m.MppX, 64)
	mppY, errY := strconv.ParseFloat(m.MppY, 64)
	hasMpp := errX == nil && errY == nil
	for _, l := range levels {
		info := LevelInfo{LevelDescriptor: l}
		if hasMpp {
			info.MicronsPerPixelX = mppX * l.Downsample
			info.MicronsPerPixelY = mppY * l.Downsample
		}
		m.Levels = append(m.Levels, info)
	}

	groups := make(map[string][]Property)
	for k, v := range props {
		vendor := "Other"
		if i := strings.Index(k, "."); i >= 0 {
			vendor = k[:i]
		}
		groups[vendor] = append(groups[vendor], Property{Key: k, Value: v})
	}
	for vendor, ps := range groups {
		sort.Slice(ps, func(i, j int) bool { return ps[i].Key < ps[j].Key })
		m.Vendors = append(m.Vendors, VendorGroup{Vendor: vendor, Properties: ps})
	}
	sort.Slice(m.Vendors, func(i, j int) bool { return m.Vendors[i].Vendor < m.Vendors[j].Vendor })

	for name, size := range s.AssociatedImages() {
		m.Associated = append(m.Associated, AssociatedInfo{Name: name, Width: size.X, Height: size.Y})
	}
	sort.Slice(m.Associated, func(i, j int) bool { return m.Associated[i].Name < m.Associated[j].Name })

	return m
}

// Text renders the metadata as a plain-text report.
func (m Metadata) Text(now time.Time) string {
	var b strings.Builder

	b.WriteString("WSI File Metadata\n================\n\n")
	b.WriteString("File Information\n---------------\n")
	fmt.Fprintf(&b, "Path: %s\n", m.Path)
	fmt.Fprintf(&b, "Name: %s\n\n", filepath.Base(m.Path))

	b.WriteString("Basic Information\n---------------\n")
	fmt.Fprintf(&b, "Size: %d x %d pixels\n", m.Width, m.Height)
	fmt.Fprintf(&b, "Level Count: %d\n", m.LevelCount)
	fmt.Fprintf(&b, "Pixel Size: %s µm/pixel (X) × %s µm/pixel (Y)\n\n", m.MppX, m.MppY)

	b.WriteString("Level Information\n---------------\n")
	for _, l := range m.Levels {
		fmt.Fprintf(&b, "Level %d:\n", l.Index)
		fmt.Fprintf(&b, "    Size: %d x %d pixels\n", l.Width, l.Height)
		fmt.Fprintf(&b, "    Downsample: %.2fx\n", l.Downsample)
		if l.MicronsPerPixelX > 0 {
			fmt.Fprintf(&b, "    Resolution: %.2f × %.2f µm/pixel\n", l.MicronsPerPixelX, l.MicronsPerPixelY)
		}
	}

	b.WriteString("\nProperties\n----------\n")
	for _, g := range m.Vendors {
		fmt.Fprintf(&b, "\n%s:\n", g.Vendor)
		for _, p := range g.Properties {
			fmt.Fprintf(&b, "    %s: %s\n", p.Key, p.Value)
		}
	}

	if len(m.Associated) > 0 {
		b.WriteString("\nAssociated Images\n----------------\n")
		for _, a := range m.Associated {
			fmt.Fprintf(&b, "%s: %d x %d pixels\n", a.Name, a.Width, a.Height)
		}
	}

	b.WriteString("\nExport Information\n-----------------\n")
	fmt.Fprintf(&b, "Generated: %s\n", now.Format("2006-01-02 15:04:05"))
	return b.String()
}

func propOr(props map[string]string, key, fallback string) string {
	if v, ok := props[key]; ok && v != "" {
		return v
	}
	return fallback
}
