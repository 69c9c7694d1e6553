package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType string, maxTiles int, maxBytes int64, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "lru", "memory":
		c, err := NewMemoryCacheWithBytes(maxTiles, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to create tile cache: %w", err)
		}
		log.Info("Using LRU tile cache", zap.Int("max_tiles", maxTiles), zap.Int64("max_bytes", maxBytes))
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: lru)", cacheType)
	}
}
