package visualization

import (
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"mritoolbox/internal/models"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "pgup":
		return tea.KeyMsg{Type: tea.KeyPgUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewSlicerInitialPositions(t *testing.T) {
	s, err := NewSlicer(gradientVolume(4, 1, 6), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.pos, [3]int{1, 0, 1}; got != want {
		t.Errorf("Position() = %v, want %v", got, want)
	}
	planes := s.planes
	if got := planes[2].At(3, 0); got != 3+100 {
		t.Errorf("axial plane value = %v, want 103", got)
	}
}

func TestSlicerMovesAndReslices(t *testing.T) {
	s, err := NewSlicer(gradientVolume(5, 5, 5), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	before := s.planes

	s.Update(key("right"))
	if got := s.pos[0]; got != 2 {
		t.Fatalf("x slider = %d, want 2", got)
	}
	after := s.planes
	if got := after[0].At(0, 0); got != 2 {
		t.Errorf("sagittal plane not recomputed: At(0,0) = %v, want 2", got)
	}
	if &after[1].Data[0] != &before[1].Data[0] || &after[2].Data[0] != &before[2].Data[0] {
		t.Error("only the moved axis should be resliced")
	}

	s.Update(key("tab"))
	s.Update(key("tab"))
	s.Update(key("pgup"))
	if got := s.pos; got != [3]int{2, 1, 4} {
		t.Errorf("Position() = %v, want [2 1 4]", got)
	}
	s.Update(key("left"))
	s.Update(key("left"))
	s.Update(key("left"))
	s.Update(key("left"))
	s.Update(key("left"))
	if got := s.pos[2]; got != 0 {
		t.Errorf("z slider = %d, want clamped to 0", got)
	}

	if _, cmd := s.Update(key("q")); cmd == nil {
		t.Error("q should quit")
	}
}

func TestSlicerView(t *testing.T) {
	s, err := NewSlicer(gradientVolume(3, 3, 3), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	view := s.View()
	for _, want := range []string{"sagittal (x)", "coronal (y)", "axial (z)", "1/2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view does not contain %q", want)
		}
	}
}

func TestSlicerSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	dir := filepath.Join(t.TempDir(), "snaps")
	s, err := NewSlicer(gradientVolume(8, 8, 8), dir)
	if err != nil {
		t.Fatal(err)
	}

	s.Update(key("s"))
	path := filepath.Join(dir, "slices_001_001_001.png")
	if !strings.Contains(s.status, path) {
		t.Fatalf("status = %q, want saved path", s.status)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() <= b.Dy() {
		t.Errorf("snapshot should be wider than tall, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestNewSlicerRejectsMalformedVolume(t *testing.T) {
	vol := &models.Volume{Data: make([]float64, 3), Shape: []int{2, 2, 2}, Affine: models.IdentityAffine()}
	if _, err := NewSlicer(vol, t.TempDir()); err == nil {
		t.Error("Expected error for a malformed volume")
	}
}
