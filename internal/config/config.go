package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port              int
	DataDir           string
	LogLevel          string
	LogFormat         string
	TileSize          int
	CacheType         string
	CacheTiles        int
	CacheMaxMB        int64
	MaxDecodes        int
	DecodeRate        float64
	TargetPixelBudget float64
	ExportPixelBudget float64
	ViewportWidth     int
	ViewportHeight    int
	MaxViewportEdge   int
	MinZoom           float64
	MaxZoom           float64
	ReLevel           bool
	ThumbnailMaxEdge  int
	ThumbnailCache    int
	JPEGQuality       int
	VipsMaxCacheMB    int
	VipsConcurrency   int
	AllowedOrigin     string
	DemoSlide         bool
}

func Load() *Config {
	cfg := &Config{
		Port:              getEnvInt("PORT", 8080),
		DataDir:           getEnv("DATA_DIR", "/data"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		TileSize:          getEnvInt("TILE_SIZE", 512),
		CacheType:         getEnv("CACHE", "lru"),
		CacheTiles:        getEnvInt("CACHE_TILES", 500),
		CacheMaxMB:        getEnvInt64("CACHE_MAX_MB", 0),
		MaxDecodes:        getEnvInt("MAX_CONCURRENT_DECODES", 8),
		DecodeRate:        getEnvFloat("DECODE_RATE", 0),
		TargetPixelBudget: getEnvFloat("TARGET_PIXEL_BUDGET", 1024*1024),
		ExportPixelBudget: getEnvFloat("EXPORT_PIXEL_BUDGET", 2048*2048),
		ViewportWidth:     getEnvInt("VIEWPORT_WIDTH", 1024),
		ViewportHeight:    getEnvInt("VIEWPORT_HEIGHT", 768),
		MaxViewportEdge:   getEnvInt("MAX_VIEWPORT_EDGE", 8192),
		MinZoom:           getEnvFloat("MIN_ZOOM", 0.01),
		MaxZoom:           getEnvFloat("MAX_ZOOM", 10),
		ReLevel:           getEnvBool("RELEVEL", true),
		ThumbnailMaxEdge:  getEnvInt("THUMBNAIL_MAX_EDGE", 190),
		ThumbnailCache:    getEnvInt("THUMBNAIL_CACHE", 16),
		JPEGQuality:       getEnvInt("JPEG_QUALITY", 85),
		VipsMaxCacheMB:    getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:   getEnvInt("VIPS_CONCURRENCY", 1),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
		DemoSlide:         getEnvBool("DEMO_SLIDE", false),
	}

	return cfg
}

// Validate reports the first setting that would make the viewer unusable.
func (c *Config) Validate() error {
	switch {
	case c.CacheTiles < 1:
		return fmt.Errorf("CACHE_TILES must be at least 1, got %d", c.CacheTiles)
	case c.CacheMaxMB < 0:
		return fmt.Errorf("CACHE_MAX_MB must not be negative, got %d", c.CacheMaxMB)
	case c.TileSize < 1:
		return fmt.Errorf("TILE_SIZE must be at least 1, got %d", c.TileSize)
	case c.MaxDecodes < 1:
		return fmt.Errorf("MAX_CONCURRENT_DECODES must be at least 1, got %d", c.MaxDecodes)
	case c.DecodeRate < 0:
		return fmt.Errorf("DECODE_RATE must not be negative, got %g", c.DecodeRate)
	case c.MinZoom <= 0:
		return fmt.Errorf("MIN_ZOOM must be positive, got %g", c.MinZoom)
	case c.MaxZoom < c.MinZoom:
		return fmt.Errorf("MAX_ZOOM %g is below MIN_ZOOM %g", c.MaxZoom, c.MinZoom)
	case c.TargetPixelBudget <= 0:
		return fmt.Errorf("TARGET_PIXEL_BUDGET must be positive, got %g", c.TargetPixelBudget)
	case c.ExportPixelBudget <= 0:
		return fmt.Errorf("EXPORT_PIXEL_BUDGET must be positive, got %g", c.ExportPixelBudget)
	case c.MaxViewportEdge < 1:
		return fmt.Errorf("MAX_VIEWPORT_EDGE must be at least 1, got %d", c.MaxViewportEdge)
	case c.ViewportWidth < 1 || c.ViewportHeight < 1 || c.ViewportWidth > c.MaxViewportEdge || c.ViewportHeight > c.MaxViewportEdge:
		return fmt.Errorf("viewport size %dx%d must be within [1, %d]", c.ViewportWidth, c.ViewportHeight, c.MaxViewportEdge)
	case c.ThumbnailMaxEdge < 1 || c.ThumbnailCache < 1:
		return fmt.Errorf("THUMBNAIL_MAX_EDGE and THUMBNAIL_CACHE must be at least 1")
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("JPEG_QUALITY must be within [1, 100], got %d", c.JPEGQuality)
	}
	return nil
}

// CacheMaxBytes is the byte budget of the tile cache, zero for none.
func (c *Config) CacheMaxBytes() int64 {
	return c.CacheMaxMB * 1024 * 1024
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
