// Package visualization renders volumes: slice images, a 3D scatter page,
// an interactive terminal slicer and PNG snapshots.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"mritoolbox/internal/models"
)

// ErrInvalidAxis is returned for axis names other than x, y and z.
var ErrInvalidAxis = errors.New("invalid axis")

// Plane is a 2D cut through a volume. Data is row-major: index r*Width+c.
type Plane struct {
	Data   []float64
	Width  int
	Height int
}

// Dims, Z, X and Y let a Plane act as a gonum/plot grid.
func (p Plane) Dims() (c, r int) { return p.Width, p.Height }
func (p Plane) Z(c, r int) float64 { return p.Data[r*p.Width+c] }
func (p Plane) X(c int) float64 { return float64(c) }
func (p Plane) Y(r int) float64 { return float64(r) }
func (p Plane) At(c, r int) float64 { return p.Data[r*p.Width+c] }

// ExtractPlane cuts the first frame of vol perpendicular to axis (0, 1 or
// 2) at position pos. Columns follow the lower remaining axis.
func ExtractPlane(vol *models.Volume, axis, pos int) (Plane, error) {
	d := vol.Dims3()
	if axis < 0 || axis > 2 {
		return Plane{}, fmt.Errorf("%w: %d", ErrInvalidAxis, axis)
	}
	if pos < 0 || pos >= d[axis] {
		return Plane{}, fmt.Errorf("position %d outside [0, %d)", pos, d[axis])
	}

	var p Plane
	switch axis {
	case 0:
		p = Plane{Data: make([]float64, d[1]*d[2]), Width: d[1], Height: d[2]}
		for z := 0; z < d[2]; z++ {
			for y := 0; y < d[1]; y++ {
				p.Data[z*d[1]+y] = vol.At(pos, y, z)
			}
		}
	case 1:
		p = Plane{Data: make([]float64, d[0]*d[2]), Width: d[0], Height: d[2]}
		for z := 0; z < d[2]; z++ {
			for x := 0; x < d[0]; x++ {
				p.Data[z*d[0]+x] = vol.At(x, pos, z)
			}
		}
	case 2:
		p = Plane{Data: make([]float64, d[0]*d[1]), Width: d[0], Height: d[1]}
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				p.Data[y*d[0]+x] = vol.At(x, y, pos)
			}
		}
	}
	return p, nil
}

// ParseAxis maps an axis name (x, y or z, any case) to its index.
func ParseAxis(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "z":
		return 2, nil
	}
	return 0, fmt.Errorf("%w: %s (must be x, y, or z)", ErrInvalidAxis, axis)
}

// Viewer exports grayscale slices of a volume.
type Viewer struct {
	vol *models.Volume

	// intensity window used to scale samples to the full gray range
	min, max float64
}

// NewViewer creates a viewer for the first frame of vol.
func NewViewer(vol *models.Volume) *Viewer {
	min, max := vol.MinMax()
	return &Viewer{vol: vol, min: min, max: max}
}

// ExtractSlice returns the slice perpendicular to axis ("x", "y" or "z") at
// position, scaled to 16-bit gray. Row 0 of the image is the top of the
// plane.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := ParseAxis(axis)
	if err != nil {
		return nil, err
	}
	p, err := ExtractPlane(v.vol, a, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for r := 0; r < p.Height; r++ {
		for c := 0; c < p.Width; c++ {
			img.SetGray16(c, p.Height-1-r, color.Gray16{Y: v.gray(p.At(c, r))})
		}
	}
	return img, nil
}

func (v *Viewer) gray(value float64) uint16 {
	if v.max <= v.min {
		return 0
	}
	n := (value - v.min) / (v.max - v.min)
	return uint16(math.Max(0, math.Min(65535, math.Round(n*65535))))
}

// SaveSlice saves an extracted slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as slice_<axis>_<pos>.png.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := ParseAxis(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.vol.Dims3()[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
