// Command export writes a whole pyramid level of a slide to an image file,
// picking the level the same way the viewer picks its initial one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cshum/vipsgen/vips"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"wsiview/internal/config"
	"wsiview/internal/logger"
	"wsiview/internal/render"
	"wsiview/internal/slide"
)

type args struct {
	Input       string
	Output      string
	Format      string
	Budget      float64
	TileSize    int
	Concurrency int
	Quality     int
}

func main() {
	cfg := config.Load()

	var a args
	flag.StringVar(&a.Input, "i", "", "Slide to export.")
	flag.StringVar(&a.Output, "o", "", "Output file. Defaults to <name>_full_L<level>_<w>x<h>.<ext> next to the slide.")
	flag.StringVar(&a.Format, "format", "png", "Output format: png, jpeg, bmp or tiff.")
	flag.Float64Var(&a.Budget, "budget", cfg.ExportPixelBudget, "Pixel budget used to pick the exported level.")
	flag.IntVar(&a.TileSize, "tile-size", cfg.TileSize, "Edge of the regions read from the slide.")
	flag.IntVar(&a.Concurrency, "workers", cfg.MaxDecodes, "Number of parallel region reads.")
	flag.IntVar(&a.Quality, "quality", cfg.JPEGQuality, "JPEG quality.")
	flag.Parse()

	if a.Input == "" {
		fmt.Fprintln(os.Stderr, "usage: export -i <slide> [-o output] [-format png|jpeg|bmp|tiff]")
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	format, err := render.ParseFormat(a.Format)
	if err != nil {
		log.Fatal("Invalid format", zap.Error(err))
	}

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
	})
	defer vips.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, format, log); err != nil {
		log.Error("Export failed", zap.String("input", a.Input), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, format render.Format, log *zap.Logger) error {
	sl, err := slide.NewOpener(slide.VipsOptions{})(a.Input)
	if err != nil {
		return err
	}
	defer sl.Close()

	var bar *progressbar.ProgressBar
	img, level, err := render.ExportLevel(ctx, slide.Serialize(sl), render.ExportOptions{
		PixelBudget: a.Budget,
		TileSize:    a.TileSize,
		Concurrency: a.Concurrency,
		Progress: func(done, total int) {
			if bar == nil {
				bar = progressbar.Default(int64(total), "Reading tiles")
			}
			bar.Set(done)
		},
	})
	if err != nil {
		return err
	}

	out := a.Output
	if out == "" {
		b := img.Bounds()
		name := render.SuggestedName(a.Input, level, b.Dx(), b.Dy(), format)
		out = name
		if a.Input != slide.SyntheticPath {
			out = filepath.Join(filepath.Dir(a.Input), name)
		}
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := render.Encode(f, img, format, a.Quality); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	log.Info("Exported level",
		zap.String("output", out),
		zap.Int("level", level),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)
	return nil
}
