package processing

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/brainextract"
	"mritoolbox/pkg/interpolation"
	"mritoolbox/pkg/logging"
	"mritoolbox/pkg/nifti"
	"mritoolbox/pkg/stl"
)

// Params holds the niftitools pipeline configuration.
type Params struct {
	// InputFile is the NIfTI volume to process.
	InputFile string

	// OutputFile receives the processed volume. Empty skips saving.
	// Parent directories are created as needed.
	OutputFile string

	// MeshFile receives a binary STL isosurface. Empty skips the export.
	MeshFile string

	// Shape is the resampling target, 1 or 3 positive values. Empty skips
	// resampling.
	Shape []int

	// ShrinkFactor enables bias field correction when positive.
	ShrinkFactor int

	// BrainIterations enables brain tissue isolation when positive.
	BrainIterations int

	Interpolation interpolation.Order
	Correction    CorrectionOptions
	Brain         brainextract.Params

	// IsoLevelPercent places the mesh iso level as a fraction of the
	// maximum intensity.
	IsoLevelPercent float64
}

// Processor runs the fixed processing sequence:
// reshape, bias correction, brain isolation, save, mesh export.
type Processor struct {
	params *Params
	log    *logging.Logger
	volume *models.Volume
}

// NewProcessor creates a processor for params. A nil logger discards output.
func NewProcessor(params *Params, log *logging.Logger) *Processor {
	return &Processor{params: params, log: log}
}

// Process loads the input and applies every enabled step in order.
func (p *Processor) Process() error {
	vol, err := nifti.Load(p.params.InputFile)
	if err != nil {
		return err
	}
	p.log.Infof("loaded %s: shape %v, %s, orientation %s", p.params.InputFile, vol.Shape, vol.Datatype, Orientation(vol.Affine))
	return p.Run(vol)
}

// Run applies every enabled step to vol.
func (p *Processor) Run(vol *models.Volume) error {
	p.volume = vol

	if len(p.params.Shape) > 0 {
		shape, err := ExpandShape(p.params.Shape)
		if err != nil {
			return err
		}
		target := shape[:]
		if len(vol.Shape) == 4 {
			target = append(target, vol.Shape[3])
		}
		if err := p.step("reshape", func(v *models.Volume) (*models.Volume, error) {
			return Reshape(v, target, p.params.Interpolation)
		}); err != nil {
			return err
		}
		p.log.Warnf("Reshaped image to %v", p.volume.Shape)
	}

	if p.params.ShrinkFactor > 0 {
		if err := p.step("bias field correction", func(v *models.Volume) (*models.Volume, error) {
			return ApplyN4Correction(v, p.params.ShrinkFactor, p.params.Correction, p.log)
		}); err != nil {
			return err
		}
		p.log.Warnf("Applied N4 bias field correction (shrink factor %d)", p.params.ShrinkFactor)
	}

	if p.params.BrainIterations > 0 {
		if err := p.step("brain isolation", func(v *models.Volume) (*models.Volume, error) {
			return IsolateBrainTissue(v, p.params.BrainIterations, p.params.Brain, p.log)
		}); err != nil {
			return err
		}
		p.log.Warnf("Isolated brain tissue (%d iterations)", p.params.BrainIterations)
	}

	if p.params.OutputFile != "" {
		if err := save(p.volume, p.params.OutputFile); err != nil {
			return err
		}
		p.log.Warnf("Saved image to %s", p.params.OutputFile)
	}

	if p.params.MeshFile != "" {
		n, err := p.exportMesh()
		if err != nil {
			return err
		}
		p.log.Warnf("Saved %d-triangle isosurface to %s", n, p.params.MeshFile)
	}
	return nil
}

// Volume returns the result of the last run.
func (p *Processor) Volume() *models.Volume {
	return p.volume
}

func (p *Processor) step(name string, fn func(*models.Volume) (*models.Volume, error)) error {
	start := time.Now()
	out, err := fn(p.volume)
	if err != nil {
		return err
	}
	p.volume = out
	p.log.Infof("%s took %s", name, time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Processor) exportMesh() (int, error) {
	vol := p.volume
	_, max := vol.MinMax()
	level := p.params.IsoLevelPercent * max
	d := vol.Dims3()
	iso := stl.NewIsosurface(vol.Frame(0), d[0], d[1], d[2], level)
	sp := vol.Spacing()
	iso.SetScale(float32(sp[0]), float32(sp[1]), float32(sp[2]))

	triangles := iso.GenerateTriangles()
	if err := ensureDir(p.params.MeshFile); err != nil {
		return 0, err
	}
	if err := stl.SaveToSTL(p.params.MeshFile, triangles); err != nil {
		return 0, err
	}
	return len(triangles), nil
}

func save(vol *models.Volume, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	return nifti.Save(vol, path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
