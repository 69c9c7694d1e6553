package library

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"wsiview/internal/slide"
)

type countingOpener struct {
	calls int
	fail  map[string]bool
}

func (o *countingOpener) open(path string) (slide.Slide, error) {
	o.calls++
	if o.fail[filepath.Base(path)] {
		return nil, &slide.OpenError{Path: path, Err: errors.New("not a slide")}
	}
	return slide.NewSynthetic(4000, 3000, 1, 4, 16), nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanFindsSlidesAndWritesSidecars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.tiff"), "aaaa")
	writeFile(t, filepath.Join(dir, "b.png"), "bb")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	if err := os.Mkdir(filepath.Join(dir, "sub.tiff"), 0755); err != nil {
		t.Fatal(err)
	}

	op := &countingOpener{}
	s := New(dir, op.open, zaptest.NewLogger(t))
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}

	slides := s.GetSlides()
	if len(slides) != 2 {
		t.Fatalf("found %d slides, want 2: %+v", len(slides), slides)
	}
	for _, info := range slides {
		if info.ID == "" || info.Width != 4000 || info.Height != 3000 || info.LevelCount != 3 {
			t.Errorf("unexpected slide info %+v", info)
		}
		if _, err := os.Stat(filepath.Join(dir, info.Filename+".json")); err != nil {
			t.Errorf("sidecar missing for %s", info.Filename)
		}
	}
	if op.calls != 2 {
		t.Errorf("opener called %d times, want 2", op.calls)
	}

	ids := map[string]string{}
	for _, info := range slides {
		ids[info.Filename] = info.ID
	}

	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}
	if op.calls != 2 {
		t.Errorf("rescan reopened slides: %d calls", op.calls)
	}
	for _, info := range s.GetSlides() {
		if ids[info.Filename] != info.ID {
			t.Errorf("id of %s changed across scans", info.Filename)
		}
	}
}

func TestScanReprobesChangedFileKeepingID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tiff")
	writeFile(t, path, "aaaa")

	op := &countingOpener{}
	s := New(dir, op.open, zaptest.NewLogger(t))
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}
	id := s.GetSlides()[0].ID

	sc, err := slide.LoadSidecar(path)
	if err != nil {
		t.Fatal(err)
	}
	sc.Description = "biopsy"
	if err := slide.SaveSidecar(path, sc); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "aaaaaaaa")
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}
	if op.calls != 2 {
		t.Errorf("changed file not reprobed, opener calls = %d", op.calls)
	}
	info := s.GetSlides()[0]
	if info.ID != id {
		t.Errorf("id changed from %s to %s", id, info.ID)
	}
	if info.Bytes != 8 || info.Description != "biopsy" {
		t.Errorf("unexpected info after reprobe: %+v", info)
	}
}

func TestScanAssignsIDToSidecarWithoutOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tiff")
	writeFile(t, path, "aaaa")
	hand := &slide.Sidecar{Width: 4000, Height: 3000, Bytes: 4, Description: "hand written"}
	if err := slide.SaveSidecar(path, hand); err != nil {
		t.Fatal(err)
	}

	op := &countingOpener{}
	s := New(dir, op.open, zaptest.NewLogger(t))
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}

	if op.calls != 1 {
		t.Errorf("sidecar without id not reprobed, opener calls = %d", op.calls)
	}
	info := s.GetSlides()[0]
	if info.ID == "" {
		t.Fatal("slide listed without an id")
	}
	if info.Description != "hand written" {
		t.Errorf("description = %q, want the sidecar's", info.Description)
	}
	if s.GetSlidePathByID(info.ID) != path {
		t.Errorf("slide %s not reachable by id", info.ID)
	}
	sc, err := slide.LoadSidecar(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.ID != info.ID {
		t.Errorf("sidecar id = %q, want %q", sc.ID, info.ID)
	}
}

func TestScanSkipsUnreadableSlides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.tiff"), "x")
	writeFile(t, filepath.Join(dir, "bad.tiff"), "x")

	op := &countingOpener{fail: map[string]bool{"bad.tiff": true}}
	s := New(dir, op.open, zaptest.NewLogger(t))
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}

	slides := s.GetSlides()
	if len(slides) != 1 || slides[0].Filename != "good.tiff" {
		t.Errorf("slides = %+v, want only good.tiff", slides)
	}
}

func TestLookupAndStaticSlides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.tiff"), "x")

	op := &countingOpener{}
	s := New(dir, op.open, zaptest.NewLogger(t))
	if err := s.AddStatic("demo", slide.SyntheticPath, "demo"); err != nil {
		t.Fatal(err)
	}
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}

	if len(s.GetSlides()) != 2 {
		t.Fatalf("want static and scanned slide, got %+v", s.GetSlides())
	}
	if got := s.GetSlidePathByID("demo"); got != slide.SyntheticPath {
		t.Errorf("path of demo = %q", got)
	}

	var fileID string
	for _, info := range s.GetSlides() {
		if info.ID != "demo" {
			fileID = info.ID
		}
	}
	if got := s.GetSlidePathByID(fileID); !strings.HasSuffix(got, "a.tiff") {
		t.Errorf("path of %s = %q", fileID, got)
	}
	if s.GetSlideByID("missing") != nil || s.GetSlidePathByID("missing") != "" {
		t.Error("lookup of unknown id should fail")
	}
}

func TestScanMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), (&countingOpener{}).open, zaptest.NewLogger(t))
	if err := s.Scan(); err == nil {
		t.Error("expected error for missing data directory")
	}
}
