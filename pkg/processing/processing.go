// Package processing implements the volume operations offered by
// niftitools: resampling onto a centred grid, bias field correction and
// brain tissue isolation. Every operation returns a new volume and leaves
// its input untouched.
package processing

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/biasfield"
	"mritoolbox/pkg/brainextract"
	"mritoolbox/pkg/interpolation"
	"mritoolbox/pkg/logging"
)

var (
	// ErrInvalidShape is returned for target shapes of the wrong length or
	// with non-positive extents, and for volumes of unsupported rank.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrInvalidParameter is returned for out-of-range numeric arguments.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// CenteringAffine returns the affine with identity rotation and unit voxel
// size whose translation puts the world origin at the centre of a grid of
// the given shape.
func CenteringAffine(shape [3]int) *mat.Dense {
	a := models.IdentityAffine()
	for i, s := range shape {
		a.Set(i, 3, -float64(s)/2)
	}
	return a
}

// ExpandShape turns a command-line shape into a 3D shape: one value is a
// cube, three values are taken as they are.
func ExpandShape(shape []int) ([3]int, error) {
	var out [3]int
	switch len(shape) {
	case 1:
		out = [3]int{shape[0], shape[0], shape[0]}
	case 3:
		copy(out[:], shape)
	default:
		return out, fmt.Errorf("%w: %d values given, expected 1 or 3", ErrInvalidShape, len(shape))
	}
	for _, s := range out {
		if s <= 0 {
			return out, fmt.Errorf("%w: %v has a non-positive extent", ErrInvalidShape, shape)
		}
	}
	return out, nil
}

// Reshape resamples vol onto a grid of the given shape placed by
// CenteringAffine. shape must have one entry per axis of vol.
func Reshape(vol *models.Volume, shape []int, order interpolation.Order) (*models.Volume, error) {
	if len(shape) != len(vol.Shape) {
		return nil, fmt.Errorf("%w: target %v has %d dimensions, volume has %d", ErrInvalidShape, shape, len(shape), len(vol.Shape))
	}
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: target %v has a non-positive extent", ErrInvalidShape, shape)
		}
	}
	if len(shape) == 4 && shape[3] != vol.Shape[3] {
		return nil, fmt.Errorf("%w: cannot resample the time axis (%d to %d frames)", ErrInvalidShape, vol.Shape[3], shape[3])
	}

	target := [3]int{shape[0], shape[1], shape[2]}
	out, err := interpolation.Resample(vol, target, CenteringAffine(target), order)
	if err != nil {
		return nil, fmt.Errorf("resampling to %v: %w", shape, err)
	}
	return out, nil
}

// CorrectionOptions configures ApplyN4Correction.
type CorrectionOptions struct {
	biasfield.Params `yaml:",inline"`

	// RecenterAffine replaces the output affine with CenteringAffine of the
	// volume's shape instead of keeping the input affine.
	RecenterAffine bool `yaml:"recenterAffine"`
}

// DefaultCorrectionOptions returns the N4 defaults and keeps the input affine.
func DefaultCorrectionOptions() CorrectionOptions {
	return CorrectionOptions{Params: biasfield.DefaultParams()}
}

// ApplyN4Correction removes the estimated bias field from vol. The field
// is estimated on a copy shrunk by shrinkFactor along every axis.
func ApplyN4Correction(vol *models.Volume, shrinkFactor int, opts CorrectionOptions, log *logging.Logger) (*models.Volume, error) {
	if shrinkFactor < 1 {
		return nil, fmt.Errorf("%w: shrink factor %d must be at least 1", ErrInvalidParameter, shrinkFactor)
	}
	if err := require3D(vol); err != nil {
		return nil, err
	}

	res, err := biasfield.NewCorrector(opts.Params, log).Correct(vol, shrinkFactor)
	if err != nil {
		return nil, fmt.Errorf("bias field correction: %w", err)
	}

	out := vol.WithData(res.Data)
	out.Datatype = models.DatatypeFloat32
	if opts.RecenterAffine {
		out.Affine = CenteringAffine(vol.Dims3())
	}
	return out, nil
}

// IsolateBrainTissue zeroes every voxel outside the brain mask computed by
// surface evolution with the given number of iterations. Shape, affine and
// datatype are preserved.
func IsolateBrainTissue(vol *models.Volume, iterations int, params brainextract.Params, log *logging.Logger) (*models.Volume, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("%w: %d iterations, need at least 1", ErrInvalidParameter, iterations)
	}
	if err := require3D(vol); err != nil {
		return nil, err
	}

	ext, err := brainextract.NewExtractor(vol, params, log)
	if err != nil {
		return nil, fmt.Errorf("brain extraction: %w", err)
	}
	est := ext.Estimates()
	log.Infof("brain extraction: t2=%.1f t98=%.1f t=%.1f tm=%.1f centre=(%.1f, %.1f, %.1f) mm radius=%.1f mm",
		est.T2, est.T98, est.T, est.TM, est.Centre[0], est.Centre[1], est.Centre[2], est.Radius)
	if err := ext.Run(iterations); err != nil {
		return nil, fmt.Errorf("brain extraction: %w", err)
	}
	mask := ext.Mask()

	data := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = v * mask[i]
	}
	return vol.WithData(data), nil
}

func require3D(vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if vol.Frames() > 1 {
		return fmt.Errorf("%w: operation needs a 3D volume, got shape %v", ErrInvalidShape, vol.Shape)
	}
	return nil
}
