// Package biasfield estimates and removes smooth multiplicative intensity
// inhomogeneity from MR volumes with the N4 algorithm (Tustison et al. 2010).
//
// The estimation runs on a block-averaged copy of the image restricted to an
// Otsu foreground mask. Each iteration sharpens the log-intensity histogram,
// fits the residual with a cubic B-spline lattice and adds it to the running
// log bias field. Fitting levels double the lattice resolution; the field is
// evaluated at full resolution at the end and divided out of the input.
package biasfield

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/logging"
)

var (
	// ErrInvalidParams is returned for parameters outside their valid range.
	ErrInvalidParams = errors.New("invalid bias field parameters")

	// ErrEmptyMask is returned when thresholding leaves no foreground voxel.
	ErrEmptyMask = errors.New("foreground mask is empty")
)

// Params controls the N4 estimation.
type Params struct {
	// Iterations holds the maximum iteration count of every fitting level.
	// The number of entries is the number of levels.
	Iterations []int `yaml:"iterations"`

	// ControlPoints is the control point count per axis of the coarsest
	// lattice. Must be at least 4 (spline order + 1).
	ControlPoints int `yaml:"controlPoints"`

	// ConvergenceThreshold stops a level once the coefficient of variation
	// of the field update drops below it.
	ConvergenceThreshold float64 `yaml:"convergenceThreshold"`

	// HistogramBins is the bin count of the log-intensity histogram.
	HistogramBins int `yaml:"histogramBins"`

	// FWHM is the full width at half maximum of the Gaussian bias model.
	FWHM float64 `yaml:"fwhm"`

	// WienerNoise regularises the deconvolution.
	WienerNoise float64 `yaml:"wienerNoise"`

	// OtsuBins is the histogram size used for the foreground threshold.
	OtsuBins int `yaml:"otsuBins"`
}

// DefaultParams returns the settings used by SimpleITK's N4 filter.
func DefaultParams() Params {
	return Params{
		Iterations:           []int{50, 50, 50, 50},
		ControlPoints:        4,
		ConvergenceThreshold: 0.001,
		HistogramBins:        200,
		FWHM:                 0.15,
		WienerNoise:          0.01,
		OtsuBins:             256,
	}
}

// Validate checks every parameter.
func (p Params) Validate() error {
	switch {
	case len(p.Iterations) == 0:
		return fmt.Errorf("%w: at least one fitting level is required", ErrInvalidParams)
	case p.ControlPoints < splineOrder+1:
		return fmt.Errorf("%w: %d control points, need at least %d", ErrInvalidParams, p.ControlPoints, splineOrder+1)
	case p.HistogramBins < 2:
		return fmt.Errorf("%w: %d histogram bins", ErrInvalidParams, p.HistogramBins)
	case p.OtsuBins < 2:
		return fmt.Errorf("%w: %d Otsu bins", ErrInvalidParams, p.OtsuBins)
	case p.FWHM <= 0:
		return fmt.Errorf("%w: FWHM %v", ErrInvalidParams, p.FWHM)
	case p.WienerNoise < 0:
		return fmt.Errorf("%w: Wiener noise %v", ErrInvalidParams, p.WienerNoise)
	}
	for i, n := range p.Iterations {
		if n < 1 {
			return fmt.Errorf("%w: level %d has %d iterations", ErrInvalidParams, i, n)
		}
	}
	return nil
}

// Result is the outcome of a correction.
type Result struct {
	// Data holds the corrected samples at the input resolution.
	Data []float64

	// LogBias holds the estimated log bias field at the input resolution.
	LogBias []float64

	// Iterations and Convergence record, per level, how many iterations ran
	// and the last convergence measurement.
	Iterations  []int
	Convergence []float64
}

// Corrector runs N4 bias field correction with fixed parameters.
type Corrector struct {
	params Params
	log    *logging.Logger
}

// NewCorrector returns a Corrector. A nil logger discards progress output.
func NewCorrector(params Params, log *logging.Logger) *Corrector {
	return &Corrector{params: params, log: log}
}

// Correct estimates the bias field of the first frame of vol on a copy
// shrunk by shrink along every axis and returns the corrected samples.
func (c *Corrector) Correct(vol *models.Volume, shrink int) (*Result, error) {
	if err := c.params.Validate(); err != nil {
		return nil, err
	}
	if shrink < 1 {
		return nil, fmt.Errorf("%w: shrink factor %d", ErrInvalidParams, shrink)
	}

	full := vol.Dims3()
	img := vol.Frame(0)
	small, shape := Shrink(img, full, shrink)

	threshold := OtsuThreshold(small, c.params.OtsuBins)
	var (
		points []int
		logI   []float64
	)
	for i, v := range small {
		if v > threshold && v > 0 {
			points = append(points, i)
			logI = append(logI, math.Log(v))
		}
	}
	if len(points) == 0 {
		return nil, ErrEmptyMask
	}
	c.log.Infof("bias field: %v shrunk to %v, %d foreground voxels above %.4g", full, shape, len(points), threshold)

	coords := shrunkCoords(full, shape, shrink)
	logBias := make([]float64, len(points))
	uncorrected := make([]float64, len(points))
	residual := make([]float64, len(points))
	update := make([]float64, len(points))

	res := &Result{}
	var lattices []*lattice
	for level, maxIter := range c.params.Iterations {
		spans := (c.params.ControlPoints - splineOrder) << level
		lat := newLattice(spans)
		tables := newBasisTables(coords, spans)

		cv := math.Inf(1)
		iter := 0
		for ; iter < maxIter && cv > c.params.ConvergenceThreshold; iter++ {
			for i := range points {
				uncorrected[i] = logI[i] - logBias[i]
			}
			sharpened := c.sharpen(uncorrected)
			for i := range points {
				residual[i] = uncorrected[i] - sharpened[i]
			}

			delta := fitLattice(spans, points, residual, tables, shape)
			delta.evaluatePoints(update, points, tables, shape)
			cv = convergence(update)

			lat.add(delta)
			for i := range points {
				logBias[i] += update[i]
			}
		}
		c.log.Infof("bias field level %d (%d spans): %d iterations, convergence %.6f", level, spans, iter, cv)

		lattices = append(lattices, lat)
		res.Iterations = append(res.Iterations, iter)
		res.Convergence = append(res.Convergence, cv)
	}

	res.LogBias = evaluateField(lattices, fullCoords(full), full)
	res.Data = make([]float64, len(img))
	for i, v := range img {
		res.Data[i] = v / math.Exp(res.LogBias[i])
	}
	return res, nil
}

// convergence is the coefficient of variation of exp(update).
func convergence(update []float64) float64 {
	if len(update) < 2 {
		return 0
	}
	e := make([]float64, len(update))
	for i, u := range update {
		e[i] = math.Exp(u)
	}
	mean, std := stat.MeanStdDev(e, nil)
	return std / mean
}

// shrunkCoords returns the normalised full-resolution position of every
// shrunk voxel centre along each axis.
func shrunkCoords(full, shape [3]int, factor int) [3][]float64 {
	var out [3][]float64
	for a := 0; a < 3; a++ {
		out[a] = make([]float64, shape[a])
		for i := range out[a] {
			start := i * factor
			end := start + factor
			if i == shape[a]-1 || end > full[a] {
				end = full[a]
			}
			out[a][i] = normalise(float64(start+end-1)/2, full[a])
		}
	}
	return out
}

// fullCoords returns the normalised position of every voxel along each axis.
func fullCoords(full [3]int) [3][]float64 {
	var out [3][]float64
	for a := 0; a < 3; a++ {
		out[a] = make([]float64, full[a])
		for i := range out[a] {
			out[a][i] = normalise(float64(i), full[a])
		}
	}
	return out
}

func normalise(index float64, n int) float64 {
	if n <= 1 {
		return 0
	}
	return index / float64(n-1)
}
