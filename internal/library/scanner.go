package library

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wsiview/internal/slide"
)

type SlideInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	LevelCount  int    `json:"level_count"`
	Bytes       int64  `json:"bytes"`
	Description string `json:"description,omitempty"`

	path string
}

// Scanner keeps the list of slides available in a data directory. Probe
// results are stored in sidecar files so rescans do not reopen every slide.
type Scanner struct {
	dataDir string
	open    slide.Opener
	logger  *zap.Logger

	mu     sync.RWMutex
	slides []SlideInfo
	static []SlideInfo
}

func New(dataDir string, open slide.Opener, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		open:    open,
		logger:  logger,
	}
}

// AddStatic registers a slide that is not backed by a file in the data
// directory. It survives rescans.
func (s *Scanner) AddStatic(id, path, description string) error {
	sl, err := s.open(path)
	if err != nil {
		return err
	}
	defer sl.Close()

	w, h := sl.Dimensions()
	info := SlideInfo{
		ID:          id,
		Filename:    path,
		Width:       w,
		Height:      h,
		LevelCount:  len(sl.Levels()),
		Description: description,
		path:        path,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = append(s.static, info)
	s.slides = append(s.slides, info)
	return nil
}

func (s *Scanner) Scan() error {
	s.reportOrphanedSidecars()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var found []SlideInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !slide.Extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		sc, err := slide.LoadSidecar(path)
		if err != nil {
			s.logger.Warn("Failed to load sidecar, reprobing", zap.String("path", path), zap.Error(err))
			sc = nil
		}

		// Probe when there is no usable sidecar or the file changed since it was written
		if sc == nil || sc.ID == "" || sc.Width == 0 || sc.Bytes != info.Size() {
			id := uuid.New().String()
			if sc != nil && sc.ID != "" {
				id = sc.ID
			}
			probed, err := s.probe(path, id, info.Size(), sc)
			if err != nil {
				s.logger.Warn("Failed to probe slide", zap.String("path", path), zap.Error(err))
				continue
			}
			if err := slide.SaveSidecar(path, probed); err != nil {
				s.logger.Warn("Failed to save sidecar", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("Created sidecar", zap.String("path", slide.SidecarPath(path)))
			}
			sc = probed
		}

		found = append(found, SlideInfo{
			ID:          sc.ID,
			Filename:    entry.Name(),
			Width:       sc.Width,
			Height:      sc.Height,
			LevelCount:  len(sc.Levels),
			Bytes:       info.Size(),
			Description: sc.Description,
			path:        path,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.slides = append(append([]SlideInfo(nil), s.static...), found...)
	return nil
}

// probe opens the slide to record its geometry. User-written description
// and properties of an existing sidecar are kept.
func (s *Scanner) probe(path, id string, size int64, prev *slide.Sidecar) (*slide.Sidecar, error) {
	sl, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer sl.Close()

	w, h := sl.Dimensions()
	sc := &slide.Sidecar{
		ID:     id,
		Width:  w,
		Height: h,
		Bytes:  size,
		Levels: sl.Levels(),
	}
	if prev != nil {
		sc.Description = prev.Description
		sc.Properties = prev.Properties
	}
	return sc, nil
}

// reportOrphanedSidecars logs sidecars whose slide no longer exists.
func (s *Scanner) reportOrphanedSidecars() {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), slide.SidecarExt) {
			continue
		}
		slidePath := slide.SlidePathForSidecar(s.getFilePath(entry.Name()))
		if !slide.Extensions[strings.ToLower(filepath.Ext(slidePath))] {
			continue
		}
		if _, err := os.Stat(slidePath); err != nil {
			s.logger.Warn("Orphaned sidecar", zap.String("path", s.getFilePath(entry.Name())))
		}
	}
}

func (s *Scanner) GetSlides() []SlideInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]SlideInfo(nil), s.slides...)
}

func (s *Scanner) GetSlideByID(id string) *SlideInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sl := range s.slides {
		if sl.ID == id {
			return &sl
		}
	}
	return nil
}

func (s *Scanner) GetSlidePathByID(id string) string {
	info := s.GetSlideByID(id)
	if info == nil {
		return ""
	}
	return info.path
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}
