package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"wsiview/internal/cache"
	"wsiview/internal/config"
	httphandlers "wsiview/internal/http"
	"wsiview/internal/library"
	"wsiview/internal/logger"
	"wsiview/internal/render"
	"wsiview/internal/slide"
	"wsiview/internal/viewport"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	startVips(cfg, log)
	defer vips.Shutdown()

	log.Info("Starting wsiview server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
	)

	open := slide.NewOpener(slide.VipsOptions{})

	scanner := library.New(cfg.DataDir, open, log)
	if cfg.DemoSlide {
		if err := scanner.AddStatic("demo", slide.SyntheticPath, "Synthetic checkerboard"); err != nil {
			log.Warn("Failed to register demo slide", zap.Error(err))
		}
	}
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	tileCache, err := cache.NewCache(cfg.CacheType, cfg.CacheTiles, cfg.CacheMaxBytes(), log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	opts := viewport.DefaultOptions()
	opts.TileSize = cfg.TileSize
	opts.MaxConcurrent = cfg.MaxDecodes
	opts.DecodeRate = cfg.DecodeRate
	opts.TargetPixelBudget = cfg.TargetPixelBudget
	opts.MinZoom = cfg.MinZoom
	opts.MaxZoom = cfg.MaxZoom
	opts.ReLevel = cfg.ReLevel
	opts.ViewportWidth = cfg.ViewportWidth
	opts.ViewportHeight = cfg.ViewportHeight
	opts.MaxViewportEdge = cfg.MaxViewportEdge
	opts.ThumbnailMaxEdge = cfg.ThumbnailMaxEdge

	ctrl, err := viewport.New(open, tileCache, opts, log)
	if err != nil {
		log.Fatal("Failed to initialize viewer", zap.Error(err))
	}

	thumbs, err := render.NewThumbnails(cfg.ThumbnailCache, cfg.ThumbnailMaxEdge)
	if err != nil {
		log.Fatal("Failed to initialize thumbnail cache", zap.Error(err))
	}
	renderer := render.New(ctrl, thumbs, cfg.JPEGQuality, log)

	handlers := httphandlers.New(cfg, log, scanner, ctrl, renderer)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Router(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	ctrl.Shutdown()

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // Disable disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	// Map vips log levels to zap levels
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}
