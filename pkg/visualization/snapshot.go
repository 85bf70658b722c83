package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// grayPalette is a linear black to white ramp.
type grayPalette int

func (n grayPalette) Colors() []color.Color {
	out := make([]color.Color, int(n))
	for i := range out {
		v := uint8(255 * i / max(int(n)-1, 1))
		out[i] = color.Gray{Y: v}
	}
	return out
}

var axisNames = [3]string{"sagittal (x)", "coronal (y)", "axial (z)"}

// SaveSnapshot writes the three planes side by side as heat maps sharing
// the intensity window [min, max].
func SaveSnapshot(path string, planes [3]Plane, pos [3]int, min, max float64) error {
	row := make([]*plot.Plot, 3)
	for i, p := range planes {
		pl := plot.New()
		pl.Title.Text = fmt.Sprintf("%s = %d", axisNames[i], pos[i])
		pl.HideAxes()

		hm := plotter.NewHeatMap(p, grayPalette(256))
		hm.Min, hm.Max = min, max
		if max <= min {
			hm.Max = min + 1
		}
		pl.Add(hm)
		row[i] = pl
	}

	const width, height = 12 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 3, PadX: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{row}, tiles, dc)
	for i, pl := range row {
		pl.Draw(canvases[0][i])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
