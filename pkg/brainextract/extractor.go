// Package brainextract separates brain from non-brain tissue in head MR
// volumes by evolving a tessellated sphere outward from the head's centre
// of gravity until it locks onto the brain surface (Smith 2002, "Fast
// robust automated brain extraction").
package brainextract

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mritoolbox/internal/models"
	"mritoolbox/pkg/interpolation"
	"mritoolbox/pkg/logging"
)

var (
	// ErrInvalidParams is returned for parameters outside their valid range.
	ErrInvalidParams = errors.New("invalid brain extraction parameters")

	// ErrNoForeground is returned when no voxel exceeds the background threshold.
	ErrNoForeground = errors.New("no voxel above the background threshold")
)

// Params controls the surface evolution. Distances are in millimetres.
type Params struct {
	// FractionalThreshold sets the local brain/background intensity
	// threshold; smaller values give larger brain estimates.
	FractionalThreshold float64 `yaml:"fractionalThreshold"`

	// BackgroundFraction places the global background threshold between
	// the 2nd and 98th intensity percentiles.
	BackgroundFraction float64 `yaml:"backgroundFraction"`

	// Subdivisions of the initial icosahedron.
	Subdivisions int `yaml:"subdivisions"`

	// InnerDistance and OuterDistance bound the inward search for the
	// local minimum and maximum intensity.
	InnerDistance float64 `yaml:"innerDistance"`
	OuterDistance float64 `yaml:"outerDistance"`

	// MinRadius and MaxRadius bound the local radius of curvature that the
	// smoothing term tolerates.
	MinRadius float64 `yaml:"minRadius"`
	MaxRadius float64 `yaml:"maxRadius"`
}

// DefaultParams returns the standard BET settings.
func DefaultParams() Params {
	return Params{
		FractionalThreshold: 0.5,
		BackgroundFraction:  0.1,
		Subdivisions:        4,
		InnerDistance:       20,
		OuterDistance:       10,
		MinRadius:           3.33,
		MaxRadius:           10,
	}
}

// Validate checks every parameter.
func (p Params) Validate() error {
	switch {
	case p.FractionalThreshold <= 0 || p.FractionalThreshold >= 1:
		return fmt.Errorf("%w: fractional threshold %v not in (0, 1)", ErrInvalidParams, p.FractionalThreshold)
	case p.BackgroundFraction < 0 || p.BackgroundFraction >= 1:
		return fmt.Errorf("%w: background fraction %v not in [0, 1)", ErrInvalidParams, p.BackgroundFraction)
	case p.Subdivisions < 1 || p.Subdivisions > 7:
		return fmt.Errorf("%w: %d subdivisions", ErrInvalidParams, p.Subdivisions)
	case p.InnerDistance <= 0 || p.OuterDistance <= 0:
		return fmt.Errorf("%w: search distances must be positive", ErrInvalidParams)
	case p.MinRadius <= 0 || p.MaxRadius <= p.MinRadius:
		return fmt.Errorf("%w: curvature radii %v..%v", ErrInvalidParams, p.MinRadius, p.MaxRadius)
	}
	return nil
}

// Estimates are the global intensity and geometry statistics derived from
// the image before the surface evolves.
type Estimates struct {
	T2, T98 float64    // robust intensity range
	T       float64    // background threshold
	TM      float64    // median intensity inside the initial sphere
	Centre  [3]float64 // centre of gravity, mm
	Radius  float64    // equivalent sphere radius of the head, mm
}

// Extractor holds the image and the evolving brain surface.
type Extractor struct {
	params  Params
	log     *logging.Logger
	data    []float64
	shape   [3]int
	spacing [3]float64
	est     Estimates
	surface *Mesh
}

// NewExtractor derives the global estimates from the first frame of vol and
// places the initial surface, a sphere of half the estimated head radius.
func NewExtractor(vol *models.Volume, params Params, log *logging.Logger) (*Extractor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		params:  params,
		log:     log,
		data:    vol.Frame(0),
		shape:   vol.Dims3(),
		spacing: vol.Spacing(),
	}
	if err := e.estimate(); err != nil {
		return nil, err
	}

	e.surface = newIcosphere(params.Subdivisions)
	for i, v := range e.surface.Vertices {
		e.surface.Vertices[i] = vec3(v).scale(e.est.Radius / 2).add(e.est.Centre)
	}
	e.log.Infof("brain extraction: t2=%.4g t98=%.4g t=%.4g tm=%.4g radius=%.1fmm centre=%.1f",
		e.est.T2, e.est.T98, e.est.T, e.est.TM, e.est.Radius, e.est.Centre)
	return e, nil
}

func (e *Extractor) estimate() error {
	sorted := append([]float64(nil), e.data...)
	sort.Float64s(sorted)
	t2 := stat.Quantile(0.02, stat.Empirical, sorted, nil)
	t98 := stat.Quantile(0.98, stat.Empirical, sorted, nil)
	t := t2 + e.params.BackgroundFraction*(t98-t2)

	var (
		cog    vec3
		weight float64
		count  int
	)
	idx := 0
	for z := 0; z < e.shape[2]; z++ {
		for y := 0; y < e.shape[1]; y++ {
			for x := 0; x < e.shape[0]; x++ {
				v := e.data[idx]
				idx++
				if v <= t {
					continue
				}
				w := math.Min(v, t98)
				cog = cog.add(e.toMM(float64(x), float64(y), float64(z)).scale(w))
				weight += w
				count++
			}
		}
	}
	if count == 0 || weight <= 0 {
		return ErrNoForeground
	}
	cog = cog.scale(1 / weight)

	voxelVolume := e.spacing[0] * e.spacing[1] * e.spacing[2]
	radius := math.Cbrt(3 * float64(count) * voxelVolume / (4 * math.Pi))

	var inside []float64
	idx = 0
	for z := 0; z < e.shape[2]; z++ {
		for y := 0; y < e.shape[1]; y++ {
			for x := 0; x < e.shape[0]; x++ {
				v := e.data[idx]
				idx++
				if v <= t2 || v >= t98 {
					continue
				}
				if e.toMM(float64(x), float64(y), float64(z)).sub(cog).norm() <= radius {
					inside = append(inside, v)
				}
			}
		}
	}
	tm := (t2 + t98) / 2
	if len(inside) > 0 {
		sort.Float64s(inside)
		tm = stat.Quantile(0.5, stat.Empirical, inside, nil)
	}

	e.est = Estimates{T2: t2, T98: t98, T: t, TM: tm, Centre: cog, Radius: radius}
	return nil
}

// Estimates returns the global statistics computed at construction.
func (e *Extractor) Estimates() Estimates { return e.est }

// Run evolves the surface for the given number of iterations.
func (e *Extractor) Run(iterations int) error {
	if iterations < 1 {
		return fmt.Errorf("%w: %d iterations", ErrInvalidParams, iterations)
	}

	p := e.params
	curvE := (1/p.MinRadius + 1/p.MaxRadius) / 2
	curvF := 6 / (1/p.MinRadius - 1/p.MaxRadius)

	m := e.surface
	update := make([]vec3, len(m.Vertices))
	for it := 0; it < iterations; it++ {
		normals := m.normals()
		l := m.meanEdgeLength()

		for i, pos := range m.Vertices {
			v := vec3(pos)
			n := normals[i]

			var mean vec3
			for _, j := range m.neighbours[i] {
				mean = mean.add(m.Vertices[j])
			}
			s := mean.scale(1 / float64(len(m.neighbours[i]))).sub(v)
			sn := n.scale(s.dot(n))
			st := s.sub(sn)

			u1 := st.scale(0.5)

			rinv := 2 * sn.norm() / (l * l)
			f2 := (1 + math.Tanh(curvF*(rinv-curvE))) / 2
			u2 := sn.scale(f2)

			f3 := e.intensityTerm(v, n)
			u3 := n.scale(0.05 * f3 * l)

			update[i] = u1.add(u2).add(u3)
		}
		for i := range m.Vertices {
			m.Vertices[i] = vec3(m.Vertices[i]).add(update[i])
		}

		if e.log.DebugEnabled() && (it+1)%100 == 0 {
			e.log.Infof("brain extraction: iteration %d/%d, mean edge %.3fmm", it+1, iterations, l)
		}
	}
	return nil
}

// intensityTerm compares the local intensity profile beneath a vertex with
// the local brain/background threshold. Positive values push outward.
func (e *Extractor) intensityTerm(v, n vec3) float64 {
	est := e.est
	imin, imax := est.TM, est.T
	for d := 0.0; d <= e.params.InnerDistance; d++ {
		s := e.sampleMM(v.sub(n.scale(d)))
		imin = math.Min(imin, s)
		if d <= e.params.OuterDistance {
			imax = math.Max(imax, s)
		}
	}
	imin = math.Max(est.T2, imin)
	imax = math.Min(est.TM, imax)

	spread := imax - est.T2
	if spread <= 0 {
		return 0
	}
	tl := spread*e.params.FractionalThreshold + est.T2
	return 2 * (imin - tl) / spread
}

func (e *Extractor) toMM(x, y, z float64) vec3 {
	return vec3{x * e.spacing[0], y * e.spacing[1], z * e.spacing[2]}
}

func (e *Extractor) sampleMM(p vec3) float64 {
	return interpolation.Trilinear(e.data, e.shape, p[0]/e.spacing[0], p[1]/e.spacing[1], p[2]/e.spacing[2])
}
